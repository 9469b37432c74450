package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rvelazquez/sectorwars-go/internal/adapters/llm"
	"github.com/rvelazquez/sectorwars-go/internal/adapters/ws"
	"github.com/rvelazquez/sectorwars-go/internal/application/agent"
	"github.com/rvelazquez/sectorwars-go/internal/application/session"
	"github.com/rvelazquez/sectorwars-go/internal/infrastructure/config"
)

// defaultSystemPrompt frames the model as the character's pilot. Game events
// arrive as user messages wrapped in <event> tags; tools are the only way to
// act.
const defaultSystemPrompt = `You are the pilot of a ship in a multiplayer sector-based space game.
Game events arrive as <event name=...> messages. React to them with the
available tools: move between sectors, fight (attack, brace, flee, pay),
collect salvage, inspect the local map, or wait. When the assigned task is
complete or impossible, call the finished tool with a short reason.`

// NewAgentCommand creates the task agent command
func NewAgentCommand() *cobra.Command {
	var (
		serverURL     string
		characterID   string
		characterName string
		task          string
		systemPrompt  string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the LLM task agent against a game server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.MustLoadConfig(configPath)

			// Flags override config
			if serverURL != "" {
				cfg.Agent.ServerURL = serverURL
			}
			if characterID != "" {
				cfg.Agent.CharacterID = characterID
			}
			if characterName != "" {
				cfg.Agent.CharacterName = characterName
			}
			if cfg.Agent.CharacterID == "" {
				return fmt.Errorf("a character id is required (--character-id or SW_AGENT_CHARACTER_ID)")
			}
			if task == "" {
				return fmt.Errorf("a task is required (--task)")
			}
			if systemPrompt == "" {
				systemPrompt = defaultSystemPrompt
			}

			return runAgent(cfg, systemPrompt, task)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server-url", "", "Game server websocket URL")
	cmd.Flags().StringVar(&characterID, "character-id", "", "Character to play")
	cmd.Flags().StringVar(&characterName, "character-name", "", "Display name of the character")
	cmd.Flags().StringVar(&task, "task", "", "Task for the agent to carry out")
	cmd.Flags().StringVar(&systemPrompt, "system-prompt", "", "Override the built-in system prompt")

	return cmd
}

func runAgent(cfg *config.Config, systemPrompt, task string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := ws.NewAsyncGameClient(cfg.Agent.ServerURL, cfg.Agent.CharacterID, cfg.Agent.CharacterName)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()
	fmt.Printf("Connected to %s as %s\n", cfg.Agent.ServerURL, cfg.Agent.CharacterID)

	combatSession := session.NewCombatSession(client, cfg.Agent.CharacterID, cfg.Agent.CharacterName)
	defer combatSession.Close()

	registry := agent.NewToolRegistry()
	registry.Add(agent.NewGameTools(client, combatSession))

	llmClient := llm.NewClient(cfg.Agent.LLMAPIKey, cfg.Agent.LLMModel, cfg.Agent.LLMBaseURL,
		cfg.Agent.ThinkingBudget, cfg.Agent.IncludeThoughts)

	reactor := agent.NewReactor(client, llmClient, registry, agent.ReactorConfig{
		Debounce:          cfg.Agent.EventBatchInferenceDelay,
		CompletionTimeout: cfg.Agent.AsyncCompletionTimeout,
		NoToolTimeout:     cfg.Agent.NoToolWatchdogDelay,
		MaxNoToolNudges:   cfg.Agent.MaxNoToolNudges,
		StopOnError:       cfg.Agent.StopOnError,
		InferencesPerSec:  cfg.Agent.InferencesPerSec,
	})

	// The idle timeout bounds the whole task
	runCtx := ctx
	if cfg.Agent.IdleTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Agent.IdleTimeout)
		defer cancel()
	}

	reason, err := reactor.Run(runCtx, systemPrompt, task)
	if err != nil {
		return fmt.Errorf("task ended (%s): %w", reason, err)
	}
	fmt.Printf("Task finished: %s\n", reason)
	return nil
}
