package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/healer/internal/diagnosis"
	"github.com/fyrsmithlabs/healer/internal/extraction"
	"github.com/fyrsmithlabs/healer/internal/ledger"
	"github.com/fyrsmithlabs/healer/internal/logging"
	"github.com/fyrsmithlabs/healer/internal/notify"
	"github.com/fyrsmithlabs/healer/internal/remediation"
	"github.com/fyrsmithlabs/healer/internal/solution"
	"github.com/fyrsmithlabs/healer/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

const failingLog = `============================== 09:12:01 | 5f1c2e ==============================
09:12:02  Running with dbt=1.7.4
09:12:05  1 of 2 ERROR creating sql table model shop.core_customer
09:12:05  Database Error in model core_customer (models/core/core_customer.sql)
  column "customer_nme" does not exist
`

const twoSegmentFix = `<solution>
select customer_name from {{ ref('stg_customers') }}
</solution>
<file>models/core/core_customer.sql</file>
----
<solution>
select id, customer_name from raw.customers
</solution>
<file>models/staging/stg_customers.sql</file>`

type scriptedProvider struct {
	files    []string
	fix      string
	idErr    error
	fixErr   error
	contexts []string
	mu       sync.Mutex
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) IdentifyFiles(context.Context) ([]string, error) {
	if p.idErr != nil {
		return nil, p.idErr
	}
	return p.files, nil
}

func (p *scriptedProvider) ProposeFix(_ context.Context, fileContext string) (string, error) {
	p.mu.Lock()
	p.contexts = append(p.contexts, fileContext)
	p.mu.Unlock()
	if p.fixErr != nil {
		return "", p.fixErr
	}
	return p.fix, nil
}

// repoHosting is an in-memory GitHub-like remote.
type repoHosting struct {
	mu       sync.Mutex
	branches map[string]string
	files    map[string]string
	updates  []remediation.FileUpdate
	prs      []remediation.PullRequestSpec
	failPath string
}

func newRepoHosting() *repoHosting {
	return &repoHosting{
		branches: map[string]string{"master": "abc123"},
		files: map[string]string{
			"shop_dwh/models/core/core_customer.sql":    "select customer_nme from {{ ref('stg_customers') }}\n",
			"shop_dwh/models/staging/stg_customers.sql": "select id from raw.customers\n",
		},
	}
}

func (h *repoHosting) BranchSHA(_ context.Context, b string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.branches[b], nil
}

func (h *repoHosting) CreateBranch(_ context.Context, name, sha string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.branches[name] = sha
	return nil
}

func (h *repoHosting) GetFile(_ context.Context, path, _ string) (*remediation.File, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	content, ok := h.files[path]
	if !ok {
		return nil, remediation.ErrFileNotFound
	}
	return &remediation.File{Path: path, SHA: "sha:" + path, Content: content}, nil
}

func (h *repoHosting) UpdateFile(_ context.Context, u remediation.FileUpdate) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if u.Path == h.failPath {
		return errors.New("409 sha does not match")
	}
	h.updates = append(h.updates, u)
	return nil
}

func (h *repoHosting) CreatePullRequest(_ context.Context, spec remediation.PullRequestSpec) (*remediation.PullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prs = append(h.prs, spec)
	return &remediation.PullRequest{Number: 7, URL: "https://github.com/acme/analytics/pull/7"}, nil
}

type capturingNotifier struct {
	messages []string
	report   notify.Report
	err      error
}

func (n *capturingNotifier) Broadcast(_ context.Context, text string) (notify.Report, error) {
	n.messages = append(n.messages, text)
	return n.report, n.err
}

type fixture struct {
	dir      string
	logPath  string
	ledger   *ledger.Ledger
	provider *scriptedProvider
	hosting  *repoHosting
	notifier *capturingNotifier
	metrics  *Metrics
	logs     *logging.TestLogger
	tel      *telemetry.TestTelemetry
	runner   *Runner
}

func newFixture(t *testing.T, log string) *fixture {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "repo")
	writeFile(t, filepath.Join(root, "shop_dwh", "models", "core", "core_customer.sql"), "select customer_nme from {{ ref('stg_customers') }}\n")
	writeFile(t, filepath.Join(root, "shop_dwh", "target", "compiled", "core_customer.sql"), "compiled\n")
	logPath := filepath.Join(root, "shop_dwh", "logs", "dbt.log")
	writeFile(t, logPath, log)

	l, err := ledger.Open(filepath.Join(dir, "logs", "err_hashes.txt"))
	require.NoError(t, err)

	f := &fixture{
		dir:      dir,
		logPath:  logPath,
		ledger:   l,
		provider: &scriptedProvider{files: []string{"core_customer.sql"}, fix: twoSegmentFix},
		hosting:  newRepoHosting(),
		notifier: &capturingNotifier{report: notify.Report{Attempted: 1, Delivered: 1}},
		metrics:  NewMetrics(prometheus.NewRegistry()),
		logs:     logging.NewTestLogger(),
		tel:      telemetry.NewTestTelemetry(),
	}
	ex := extraction.New(extraction.Config{LogPath: logPath, Root: root}, l, nil)
	wf := remediation.NewWorkflow(f.hosting, remediation.Config{ProjectDir: "shop_dwh", BaseBranch: "master"}, nil)
	f.runner = NewRunner(Config{
		LogPath:  logPath,
		LockPath: l.Path() + ".lock",
		Workers:  2,
	}, Deps{
		Ledger:    l,
		Extractor: ex,
		NewProvider: func(context.Context, string) (diagnosis.Provider, error) {
			return f.provider, nil
		},
		Remediator: wf,
		Notifier:   f.notifier,
		Metrics:    f.metrics,
		Tracer:     f.tel.Tracer(instrumentationName),
		Logger:     f.logs.Logger,
	})
	return f
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRun_EndToEnd(t *testing.T) {
	f := newFixture(t, failingLog)

	out, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusRemediated, out.Status)
	assert.Equal(t, ledger.Signature("5f1c2e"), out.Signature)
	assert.Equal(t, 1, out.NewSignatures)
	assert.Equal(t, []string{"core_customer.sql"}, out.Files)
	assert.Equal(t, 2, out.Parts)
	assert.NotEmpty(t, out.RunID)

	assert.Len(t, f.hosting.branches, 2, "exactly one branch created")
	require.Len(t, f.hosting.updates, 2)
	assert.Equal(t, "shop_dwh/models/core/core_customer.sql", f.hosting.updates[0].Path)
	assert.Equal(t, "shop_dwh/models/staging/stg_customers.sql", f.hosting.updates[1].Path)
	require.Len(t, f.hosting.prs, 1)
	assert.Contains(t, f.hosting.prs[0].Body, "shop_dwh/models/core/core_customer.sql")
	assert.Contains(t, f.hosting.prs[0].Body, "shop_dwh/models/staging/stg_customers.sql")

	require.Len(t, f.provider.contexts, 1)
	assert.Contains(t, f.provider.contexts[0], "SOURCE OF ")
	assert.NotContains(t, f.provider.contexts[0], "compiled")

	require.Len(t, f.notifier.messages, 1)
	assert.Contains(t, f.notifier.messages[0], "https://github.com/acme/analytics/pull/7")
	assert.Equal(t, 1, out.Delivery.Delivered)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RunsTotal.WithLabelValues(string(StatusRemediated))))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SignaturesTotal))
	assert.NoFileExists(t, f.ledger.Path()+".lock")

	f.logs.AssertRunCorrelation(t, "run finished")
	f.logs.AssertField(t, "files identified", "failure.signature", "5f1c2e")
	f.logs.AssertNotLogged(t, zapcore.ErrorLevel, "run failed")
}

func TestRun_RecordsStageSpans(t *testing.T) {
	f := newFixture(t, failingLog)

	out, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	f.tel.AssertSpanAttribute(t, "pipeline.run", "run.id", out.RunID)
	f.tel.AssertSpanAttribute(t, "pipeline.run", "run.status", string(StatusRemediated))
	f.tel.AssertSpanAttribute(t, "pipeline.run", "failure.signature", "5f1c2e")
	for _, stage := range []string{StageScan, StageExtract, StageProvider, StageIdentify, StageDiagnose, StageParse, StageRemediate, StageNotify} {
		f.tel.AssertChildOf(t, "pipeline."+stage, "pipeline.run")
	}

	run := f.tel.SpanByName("pipeline.run")
	f.logs.AssertField(t, "run finished", "trace_id", run.SpanContext().TraceID().String())
}

func TestRun_FailedStageSpanCarriesError(t *testing.T) {
	f := newFixture(t, failingLog)
	f.hosting.failPath = "shop_dwh/models/staging/stg_customers.sql"

	_, err := f.runner.Run(context.Background())
	require.Error(t, err)

	f.tel.AssertSpanError(t, "pipeline.remediate")
	f.tel.AssertSpanError(t, "pipeline.run")
	f.tel.AssertSpanAttribute(t, "pipeline.run", "run.status", string(StatusFailed))
	assert.Nil(t, f.tel.SpanByName("pipeline.notify"))
}

func TestRun_SecondRunRecordsNothingNew(t *testing.T) {
	f := newFixture(t, failingLog)
	_, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	out, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, out.NewSignatures)
	assert.Equal(t, StatusNoContext, out.Status)
	sigs, err := f.ledger.Signatures()
	require.NoError(t, err)
	assert.Equal(t, []ledger.Signature{"5f1c2e"}, sigs)

	assert.Len(t, f.hosting.prs, 1, "a recorded failure is never remediated again")
	assert.Len(t, f.hosting.branches, 2)
	assert.Len(t, f.notifier.messages, 1)
	require.Len(t, f.provider.contexts, 1)
}

func TestRun_AppendedLogWorksOnNewestFailure(t *testing.T) {
	f := newFixture(t, failingLog)
	_, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	appended := failingLog + `============================== 10:40:00 | 7a0d11 ==============================
10:40:04  Database Error in model core_customer (models/core/core_customer.sql)
  relation "shop.stg_customers" does not exist
`
	writeFile(t, f.logPath, appended)

	out, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusRemediated, out.Status)
	assert.Equal(t, ledger.Signature("7a0d11"), out.Signature)
	assert.Equal(t, 1, out.NewSignatures)
	assert.Len(t, f.hosting.prs, 2)
}

func TestProcess_RetriesRecordedSignature(t *testing.T) {
	f := newFixture(t, failingLog)
	ctx := context.Background()

	sigs, err := f.runner.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, []ledger.Signature{"5f1c2e"}, sigs)

	f.provider.idErr = fmt.Errorf("%w: ollama: connection refused", diagnosis.ErrProviderUnavailable)
	_, err = f.runner.Process(ctx, sigs[0])
	require.ErrorIs(t, err, diagnosis.ErrProviderUnavailable)

	f.provider.idErr = nil
	out, err := f.runner.Process(ctx, sigs[0])
	require.NoError(t, err)
	assert.Equal(t, StatusRemediated, out.Status)
	assert.Equal(t, ledger.Signature("5f1c2e"), out.Signature)
	assert.Len(t, f.hosting.prs, 1)

	again, err := f.runner.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestProcess_EmptySignature(t *testing.T) {
	f := newFixture(t, failingLog)

	_, err := f.runner.Process(context.Background(), "")
	assert.ErrorIs(t, err, ledger.ErrInvalidSignature)
	assert.Empty(t, f.hosting.prs)
}

func TestRun_NoContext(t *testing.T) {
	f := newFixture(t, "09:00:00  Running with dbt=1.7.4\n09:00:03  Completed successfully\n")

	out, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusNoContext, out.Status)
	assert.Empty(t, f.notifier.messages)
	assert.Empty(t, f.hosting.prs)
}

func TestRun_NoFilesSendsGenericNotice(t *testing.T) {
	f := newFixture(t, failingLog)
	f.provider.idErr = diagnosis.ErrNoFileIdentified

	out, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusNoFiles, out.Status)
	require.Len(t, f.notifier.messages, 1)
	assert.Equal(t, notify.MessageFor(false, nil, nil), f.notifier.messages[0])
	assert.Empty(t, f.hosting.prs)
}

func TestRun_ProviderUnavailableIsFatal(t *testing.T) {
	f := newFixture(t, failingLog)
	f.provider.idErr = fmt.Errorf("%w: gemini: 503", diagnosis.ErrProviderUnavailable)

	out, err := f.runner.Run(context.Background())
	require.Error(t, err)

	assert.ErrorIs(t, err, diagnosis.ErrProviderUnavailable)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageIdentify, se.Stage)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Empty(t, f.notifier.messages)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StageFailuresTotal.WithLabelValues(StageIdentify)))
}

func TestRun_NoSolutionFoundIsFatal(t *testing.T) {
	f := newFixture(t, failingLog)
	f.provider.fix = "I am not sure what is wrong."

	out, err := f.runner.Run(context.Background())
	assert.ErrorIs(t, err, solution.ErrNoSolutionFound)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, 1, out.Malformed)
	assert.Len(t, f.hosting.branches, 1, "no branch without a solution")
}

func TestRun_PatchApplyFailedKeepsBranch(t *testing.T) {
	f := newFixture(t, failingLog)
	f.hosting.failPath = "shop_dwh/models/staging/stg_customers.sql"

	out, err := f.runner.Run(context.Background())
	assert.ErrorIs(t, err, remediation.ErrPatchApplyFailed)
	require.NotNil(t, out.Remediation)
	assert.NotEmpty(t, out.Remediation.Branch)
	assert.Len(t, f.hosting.updates, 1)
	assert.Empty(t, f.hosting.prs)
}

func TestRun_DeliveryErrorDoesNotFailRun(t *testing.T) {
	f := newFixture(t, failingLog)
	f.notifier.err = errors.New("subscriber database unreachable")

	out, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusRemediated, out.Status)
}

func TestRun_LockHeld(t *testing.T) {
	f := newFixture(t, failingLog)
	lock, err := AcquireLock(f.ledger.Path()+".lock", 0)
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	_, err = f.runner.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Empty(t, f.hosting.prs)
}

func TestAcquireLock_StaleTakeover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	writeFile(t, path, "12345\n")
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	_, err := AcquireLock(path, 0)
	assert.ErrorIs(t, err, ErrRunInProgress)

	lock, err := AcquireLock(path, time.Hour)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d", os.Getpid()), strings.TrimSpace(string(data)))
	require.NoError(t, lock.Release())
	assert.NoFileExists(t, path)
}

func TestStageError(t *testing.T) {
	cause := errors.New("boom")
	err := &StageError{Stage: StageParse, Err: cause}
	assert.Equal(t, "parse failed: boom", err.Error())
	assert.ErrorIs(t, err, cause)
}
