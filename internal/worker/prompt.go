package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/accordhq/accord/internal/hub"
	"github.com/accordhq/accord/internal/request"
	"github.com/accordhq/accord/internal/session"
)

// standardInstructions is appended to every agent prompt.
const standardInstructions = `## Instructions

You are acting on behalf of the service named above. Complete the request
described in the body. Work only inside your working directory. When the
request references a contract, honor it exactly. Make the smallest change
that satisfies the request, run the relevant tests if any exist, and
summarize what you did as your final message.`

// buildPrompt assembles the agent prompt: request body and metadata,
// then whichever of registry, contract, skill index, and prior-failure
// checkpoint exist on disk.
func buildPrompt(root string, req *request.Request, service string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Request %s\n\n", req.ID)
	fmt.Fprintf(&sb, "- service: %s\n", service)
	fmt.Fprintf(&sb, "- from: %s\n", req.From)
	fmt.Fprintf(&sb, "- priority: %s\n", req.Priority)
	if req.Type != "" {
		fmt.Fprintf(&sb, "- type: %s\n", req.Type)
	}
	if req.Scope != "" {
		fmt.Fprintf(&sb, "- scope: %s\n", req.Scope)
	}
	if req.Directive != "" {
		fmt.Fprintf(&sb, "- directive: %s\n", req.Directive)
	}
	if req.RelatedContract != "" {
		fmt.Fprintf(&sb, "- related contract: %s\n", req.RelatedContract)
	}
	sb.WriteString("\n## Task\n\n")
	sb.WriteString(strings.TrimSpace(req.Body))
	sb.WriteString("\n")

	inlineFile(&sb, "Service Registry", hub.RegistryFile(root, service), "yaml")
	if req.RelatedContract != "" {
		if path := resolveContract(root, req.RelatedContract); path != "" {
			inlineFile(&sb, "Contract "+req.RelatedContract, path, contractLang(path))
		}
	}
	inlineFile(&sb, "Skill Index", hub.SkillIndexFile(root), "")

	if checkpoint := session.ReadCheckpoint(root, req.ID); checkpoint != "" {
		sb.WriteString("\n## Previous Attempt\n\n")
		sb.WriteString("A prior attempt at this request failed. Context:\n\n")
		sb.WriteString(checkpoint)
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(standardInstructions)
	sb.WriteString("\n")
	return sb.String()
}

// inlineFile appends a titled fenced section when the file exists.
func inlineFile(sb *strings.Builder, title, path, lang string) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path derives from hub root
	if err != nil {
		return
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return
	}
	fmt.Fprintf(sb, "\n## %s\n\n```%s\n%s\n```\n", title, lang, content)
}

// resolveContract finds the contract file for a related_contract value,
// trying the YAML contracts then the internal Markdown ones.
func resolveContract(root, name string) string {
	contracts := hub.ContractsDir(root)
	candidates := []string{
		filepath.Join(contracts, name),
		filepath.Join(contracts, name+".yaml"),
		filepath.Join(contracts, name+".yml"),
		filepath.Join(contracts, "internal", name),
		filepath.Join(contracts, "internal", name+".md"),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

func contractLang(path string) string {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return ""
	}
}
