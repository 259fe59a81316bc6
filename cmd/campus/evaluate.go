package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/campus-world/internal/agent"
	"github.com/nidhogg/campus-world/internal/config"
	"github.com/nidhogg/campus-world/internal/evaluator"
)

type evaluateOptions struct {
	input      string
	output     string
	personaMap string
	overwrite  bool
}

func newEvaluateCmd(root *rootOptions) *cobra.Command {
	opts := &evaluateOptions{}
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Grade recorded dialogues for persona consistency with an LLM judge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if err := cfg.ValidateLLM(); err != nil {
				return err
			}

			// Fail before spending any LLM calls.
			if !opts.overwrite {
				if _, err := os.Stat(opts.output); err == nil {
					return fmt.Errorf("%s: %w (use --overwrite)", opts.output, evaluator.ErrOutputExists)
				}
			}

			convs, err := evaluator.LoadConversations(opts.input)
			if err != nil {
				return err
			}
			personas, err := loadPersonaMap(opts.personaMap, cfg)
			if err != nil {
				return err
			}
			logger.Info("evaluation starting", zap.Int("conversations", len(convs)), zap.Int("personas", len(personas)))

			router, err := newRouter(cfg, logger)
			if err != nil {
				return err
			}
			ev := evaluator.New(router, evaluator.Options{
				Model:          cfg.Evaluator.Model,
				MaxInputTokens: cfg.Evaluator.MaxInputTokens,
				RetryTimes:     cfg.Evaluator.RetryTimes,
				BaseSleep:      cfg.Evaluator.BaseSleep(),
			}, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			results, err := ev.Evaluate(ctx, convs, personas)
			if err != nil {
				return err
			}
			if err := evaluator.SaveJSONL(results, opts.output, opts.overwrite); err != nil {
				return err
			}

			s := evaluator.Summarize(results)
			logger.Info("evaluation finished", zap.String("output", opts.output),
				zap.Int("conversations", s.Conversations), zap.Int("speakers", s.Speakers),
				zap.Int("succeeded", s.Succeeded), zap.Int("failed", s.Failed()))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "conversations=%d speakers=%d succeeded=%d failed=%d\n",
				s.Conversations, s.Speakers, s.Succeeded, s.Failed())
			return err
		},
	}
	cmd.Flags().StringVarP(&opts.input, "input", "i", "logs.json", "conversation file (one object or an array)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "evaluation_results.jsonl", "JSONL result file")
	cmd.Flags().StringVar(&opts.personaMap, "persona-map", "", "JSON object of speaker name to persona; defaults to simulation.personas")
	cmd.Flags().BoolVar(&opts.overwrite, "overwrite", false, "replace an existing result file")
	return cmd
}

func loadPersonaMap(path string, cfg *config.Config) (map[string]agent.Persona, error) {
	if path != "" {
		return evaluator.LoadPersonaMap(path)
	}
	m := make(map[string]agent.Persona, len(cfg.Simulation.Personas))
	for _, p := range cfg.Simulation.Personas {
		persona, err := agent.LoadPersona(p)
		if err != nil {
			return nil, err
		}
		m[persona.Name] = persona
	}
	return m, nil
}
