package stt

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
)

// NewChainFromConfig assembles the tiers in their fixed priority order:
// local model, cloud API, simulation. A tier without its prerequisites
// (disabled local model, no cloud credential) is left out of the chain.
func NewChainFromConfig(cfg config.TiersConfig, logger *slog.Logger) (*Chain, error) {
	var tiers []Tier

	if cfg.Local.Enabled {
		var rec Recognizer
		switch cfg.Local.Mode {
		case "exec":
			execRec, err := NewExecRecognizer(ExecConfig{
				Command:   cfg.Local.Command,
				ModelPath: cfg.Local.ModelPath,
				Language:  cfg.Local.Language,
			})
			if err != nil {
				return nil, fmt.Errorf("local tier: %w", err)
			}
			rec = execRec
		case "http":
			rec = NewWhisperServerRecognizer(WhisperServerConfig{
				Endpoint: cfg.Local.Endpoint,
				Language: cfg.Local.Language,
			})
		default:
			return nil, fmt.Errorf("local tier: unsupported mode %q", cfg.Local.Mode)
		}
		tiers = append(tiers, Tier{Name: TierLocal, Recognizer: rec, Timeout: millis(cfg.Local.TimeoutMS)})
	}

	if cfg.Cloud.APIKey != "" {
		tiers = append(tiers, Tier{
			Name: TierCloud,
			Recognizer: NewOpenAIRecognizer(OpenAIConfig{
				APIKey:   cfg.Cloud.APIKey,
				BaseURL:  cfg.Cloud.BaseURL,
				Model:    cfg.Cloud.Model,
				Language: cfg.Cloud.Language,
			}),
			Timeout: millis(cfg.Cloud.TimeoutMS),
		})
	}

	if cfg.Simulation.Enabled {
		tiers = append(tiers, Tier{
			Name:       TierSimulation,
			Recognizer: NewSimulationRecognizer(cfg.Simulation.Vocabulary, cfg.Simulation.Seed),
		})
	}

	if len(tiers) == 0 {
		return nil, fmt.Errorf("no transcription tiers available")
	}
	return NewChain(tiers, logger), nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
