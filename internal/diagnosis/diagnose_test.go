package diagnosis

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/healer/internal/extraction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoResolver struct{}

func (echoResolver) ResolveFileContext(_ context.Context, refs []string) (string, []extraction.FileContext, error) {
	return "SOURCE OF " + refs[0] + ":", nil, nil
}

// slowProvider answers in reverse order of submission so ordering bugs show.
type slowProvider struct {
	inflight atomic.Int32
	peak     atomic.Int32
	failOn   string
}

func (p *slowProvider) Name() string { return "slow" }

func (p *slowProvider) IdentifyFiles(context.Context) ([]string, error) { return nil, nil }

func (p *slowProvider) ProposeFix(ctx context.Context, fileContext string) (string, error) {
	n := p.inflight.Add(1)
	defer p.inflight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if p.failOn != "" && strings.Contains(fileContext, p.failOn) {
		return "", ErrProviderUnavailable
	}
	delay := 30 * time.Millisecond
	if strings.Contains(fileContext, "c.sql") {
		delay = time.Millisecond
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return "fix for " + strings.TrimSuffix(strings.TrimPrefix(fileContext, "SOURCE OF "), ":"), nil
}

func TestDiagnose_OrderedJoin(t *testing.T) {
	p := &slowProvider{}
	out, err := Diagnose(context.Background(), p, echoResolver{}, []string{"a.sql", "b.sql", "c.sql"}, 3)
	require.NoError(t, err)

	assert.Equal(t, "fix for a.sql\n----\nfix for b.sql\n----\nfix for c.sql", out)
}

func TestDiagnose_RespectsWorkerLimit(t *testing.T) {
	p := &slowProvider{}
	_, err := Diagnose(context.Background(), p, echoResolver{}, []string{"a.sql", "b.sql", "d.sql", "e.sql"}, 2)
	require.NoError(t, err)
	assert.LessOrEqual(t, p.peak.Load(), int32(2))
}

func TestDiagnose_PropagatesFailure(t *testing.T) {
	p := &slowProvider{failOn: "b.sql"}
	_, err := Diagnose(context.Background(), p, echoResolver{}, []string{"a.sql", "b.sql"}, 2)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

type failingResolver struct{}

func (failingResolver) ResolveFileContext(context.Context, []string) (string, []extraction.FileContext, error) {
	return "", nil, errors.New("walk failed")
}

func TestDiagnose_ResolverFailure(t *testing.T) {
	_, err := Diagnose(context.Background(), &slowProvider{}, failingResolver{}, []string{"a.sql"}, 1)
	assert.ErrorContains(t, err, "walk failed")
}
