package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/vnmchuo/llm-router/internal/catalog"
)

// ParamsEnv carries the merged invocation parameters, JSON encoded, to
// command pipelines.
const ParamsEnv = "LLM_ROUTER_PARAMS"

// ExecLoader builds pipelines that run a local inference binary, such as a
// llama.cpp CLI, once per call. The command comes from the model's
// config["command"] or the provider's settings["command"], as a string or a
// list. "{model}" in any argument is replaced with the model path.
func ExecLoader(provider *catalog.Provider) Loader {
	return func(_ context.Context, model *catalog.Model) (Pipeline, error) {
		argv := commandOf(model.Config["command"])
		if len(argv) == 0 && provider != nil {
			argv = commandOf(provider.Settings["command"])
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("no command configured for model %s", model.Name)
		}

		path := ModelPath(model)
		if model.LocalPath != "" {
			if _, err := os.Stat(model.LocalPath); err != nil {
				return nil, fmt.Errorf("model path: %w", err)
			}
		}

		bin, err := exec.LookPath(argv[0])
		if err != nil {
			return nil, err
		}
		args := make([]string, 0, len(argv)-1)
		for _, a := range argv[1:] {
			args = append(args, strings.ReplaceAll(a, "{model}", path))
		}
		return &execPipeline{bin: bin, args: args}, nil
	}
}

// ModelPath prefers the local path, then the download URI, then the
// remote identifier, then the model name.
func ModelPath(m *catalog.Model) string {
	for _, p := range []string{m.LocalPath, m.DownloadURI, m.RemoteIdentifier} {
		if p != "" {
			return p
		}
	}
	return m.Name
}

type execPipeline struct {
	bin  string
	args []string
}

// Generate feeds the prompt on stdin and returns stdout as a single
// generated_text record.
func (p *execPipeline) Generate(ctx context.Context, prompt string, params map[string]any) (any, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.bin, p.args...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Env = append(os.Environ(), ParamsEnv+"="+string(encoded))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", err, msg)
	}
	return []map[string]any{{"generated_text": strings.TrimSpace(stdout.String())}}, nil
}

func commandOf(v any) []string {
	switch c := v.(type) {
	case string:
		return strings.Fields(c)
	case []string:
		return c
	case []any:
		out := make([]string, 0, len(c))
		for _, a := range c {
			out = append(out, fmt.Sprint(a))
		}
		return out
	}
	return nil
}
