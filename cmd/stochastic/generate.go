package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"Stochastic-Bridge/internal/llm"
	"Stochastic-Bridge/internal/llm/stochasticai"
	"Stochastic-Bridge/pkg/logger"
)

type generateOptions struct {
	modelID      string
	apiKey       string
	stop         []string
	params       []string
	modelKwargs  []string
	timeout      time.Duration
	pollInterval time.Duration
	maxPolls     int
}

func newGenerateCmd() *cobra.Command {
	opts := &generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Submit a prompt to a model URL and wait for the completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initLogger(); err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			cfg, err := opts.config()
			if err != nil {
				return err
			}
			client, err := stochasticai.NewClient(cfg, stochasticai.WithPollInterval(opts.pollInterval))
			if err != nil {
				return err
			}
			resp, err := client.Generate(cmd.Context(), llm.Request{Prompt: args[0], Stop: opts.stop})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Text)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.modelID, "model-id", envOr("STOCHASTICAI_MODEL_ID", ""), "model submission URL")
	f.StringVar(&opts.apiKey, "api-key", "", "API key (defaults to $"+stochasticai.EnvAPIKey+")")
	f.StringArrayVar(&opts.stop, "stop", nil, "stop sequence; repeat for several")
	f.StringArrayVar(&opts.params, "param", nil, "extra field key=value, moved into model_kwargs with a warning")
	f.StringArrayVar(&opts.modelKwargs, "model-kwarg", nil, "model parameter key=value")
	f.DurationVar(&opts.timeout, "timeout", 0, "bound on the whole call (0 = none)")
	f.DurationVar(&opts.pollInterval, "poll-interval", stochasticai.DefaultPollInterval, "wait between status polls")
	f.IntVar(&opts.maxPolls, "max-polls", 0, "maximum status polls (0 = unbounded)")
	return cmd
}

func (o *generateOptions) config() (stochasticai.Config, error) {
	kwargs, err := parseAssignments(o.modelKwargs)
	if err != nil {
		return stochasticai.Config{}, fmt.Errorf("--model-kwarg: %w", err)
	}
	extra, err := parseAssignments(o.params)
	if err != nil {
		return stochasticai.Config{}, fmt.Errorf("--param: %w", err)
	}
	return stochasticai.Config{
		ModelID:         o.modelID,
		APIKey:          o.apiKey,
		ModelKwargs:     kwargs,
		Extra:           extra,
		Timeout:         o.timeout,
		MaxPollAttempts: o.maxPolls,
	}, nil
}

// parseAssignments turns key=value pairs into a map, decoding each value as a
// YAML scalar so numbers and booleans keep their type.
func parseAssignments(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("key %q given more than once", key)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("decode value of %q: %w", key, err)
		}
		if value == nil && strings.TrimSpace(raw) != "null" && strings.TrimSpace(raw) != "~" {
			value = raw
		}
		out[key] = value
	}
	return out, nil
}

func initLogger() error {
	return logger.Init(logger.Config{
		Level:       logLevel,
		Format:      "text",
		OutputPaths: []string{"stderr"},
	})
}
