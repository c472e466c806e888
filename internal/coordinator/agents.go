package coordinator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentInfo is the subset of an agent's markdown frontmatter the
// coordinator needs: its name, declared tool scope (used by worktree
// isolation's write-capability check), and an optional model override.
type AgentInfo struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tools       ToolList `yaml:"tools"`
	Model       string   `yaml:"model"`
	FilePath    string   `yaml:"-"`
}

// ToolList accepts either a comma-separated string or a YAML array for the
// "tools" frontmatter field, matching how agent definitions are authored.
type ToolList []string

func (t *ToolList) UnmarshalYAML(value *yaml.Node) error {
	var str string
	if err := value.Decode(&str); err == nil {
		var out ToolList
		for _, part := range strings.Split(str, ",") {
			if tool := strings.TrimSpace(part); tool != "" {
				out = append(out, tool)
			}
		}
		*t = out
		return nil
	}
	var arr []string
	if err := value.Decode(&arr); err == nil {
		*t = ToolList(arr)
		return nil
	}
	return fmt.Errorf("tools must be a comma-separated string or an array")
}

// AgentScope selects which directories an AgentRegistry scans.
type AgentScope string

const (
	ScopeUser    AgentScope = "user"
	ScopeProject AgentScope = "project"
	ScopeBoth    AgentScope = "both"
)

// AgentRegistry is the set of agents discovered for one coordinator call.
type AgentRegistry struct {
	agents map[string]*AgentInfo
}

// LoadAgentRegistry scans the directories implied by scope: "user" is
// ~/.claude/agents, "project" is <cwd>/.claude/agents, "both" scans both
// (project definitions take precedence on name collision). A missing
// directory is not an error — it simply contributes no agents.
func LoadAgentRegistry(scope AgentScope, cwd string) (*AgentRegistry, error) {
	reg := &AgentRegistry{agents: make(map[string]*AgentInfo)}

	if scope == ScopeUser || scope == ScopeBoth {
		if home, err := os.UserHomeDir(); err == nil {
			if err := scanAgentDir(filepath.Join(home, ".claude", "agents"), reg.agents); err != nil {
				return nil, err
			}
		}
	}
	if scope == ScopeProject || scope == ScopeBoth || scope == "" {
		if err := scanAgentDir(filepath.Join(cwd, ".claude", "agents"), reg.agents); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func scanAgentDir(dir string, into map[string]*AgentInfo) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scan agent directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		if entry.Name() == "README.md" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := parseAgentFile(path)
		if err != nil {
			continue
		}
		into[info.Name] = info
	}
	return nil
}

func parseAgentFile(path string) (*AgentInfo, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	frontmatter, ok := extractFrontmatter(content)
	if !ok {
		return nil, fmt.Errorf("no frontmatter in %s", path)
	}
	var info AgentInfo
	if err := yaml.Unmarshal(frontmatter, &info); err != nil {
		return nil, fmt.Errorf("parse frontmatter in %s: %w", path, err)
	}
	if info.Name == "" {
		return nil, fmt.Errorf("agent name required in %s", path)
	}
	info.FilePath = path
	return &info, nil
}

func extractFrontmatter(content []byte) ([]byte, bool) {
	lines := strings.Split(string(content), "\n")
	if len(lines) < 3 || strings.TrimSpace(lines[0]) != "---" {
		return nil, false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return []byte(strings.Join(lines[1:i], "\n")), true
		}
	}
	return nil, false
}

// Exists reports whether an agent with the given name was discovered.
func (r *AgentRegistry) Exists(name string) bool {
	_, ok := r.agents[name]
	return ok
}

// Get returns the discovered agent, if any.
func (r *AgentRegistry) Get(name string) (*AgentInfo, bool) {
	info, ok := r.agents[name]
	return info, ok
}

// ToolsFor returns the declared tool list for an agent, or nil if unknown.
func (r *AgentRegistry) ToolsFor(name string) []string {
	info, ok := r.agents[name]
	if !ok {
		return nil
	}
	return info.Tools
}

// MissingAgentError is returned when a requested task names an agent the
// registry did not discover.
type MissingAgentError struct {
	Agent string
}

func (e *MissingAgentError) Error() string {
	return fmt.Sprintf("agent %q not found in the configured scope", e.Agent)
}

// ValidationError wraps an entry-phase input validation failure: no side
// effects have occurred when this is returned.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Reason)
}
