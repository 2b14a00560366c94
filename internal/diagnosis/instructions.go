package diagnosis

import (
	"embed"
	"fmt"
	"strings"
)

// Instruction names.
const (
	InstructionIdentifyFiles = "identify_files"
	InstructionProposeFix    = "propose_fix"
)

//go:embed instructions/*.md
var instructionFS embed.FS

// Instruction returns the system instruction with the given name.
func Instruction(name string) (string, error) {
	data, err := instructionFS.ReadFile("instructions/" + name + ".md")
	if err != nil {
		return "", fmt.Errorf("loading instruction %q: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func mustInstruction(name string) string {
	s, err := Instruction(name)
	if err != nil {
		panic(err)
	}
	return s
}
