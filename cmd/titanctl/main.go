// Package main implements titanctl, the operator control CLI for the titan
// coordination core. Every command publishes a control message on the manual
// control channel over the same bus the core uses; the core's workers react
// to it like to any other message. status reads the shared state keys.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/failover"
	"github.com/titanlabs/titan/internal/registry"
	"github.com/titanlabs/titan/internal/signal"
	"github.com/titanlabs/titan/internal/system"
)

// Version is set via ldflags during build.
var Version = "dev"

var (
	redisHost string
	redisPort int
	requester string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "titanctl",
	Short: "Operator control for the titan coordination core",
	Long: `titanctl publishes operator commands on the core's manual control
channel. The core must be reachable over the same bus; commands take
effect on the next message delivery, not synchronously.`,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&redisHost, "redis-host", envOr("REDIS_HOST", "localhost"), "bus host")
	rootCmd.PersistentFlags().IntVar(&redisPort, "redis-port", envIntOr("REDIS_PORT", 6379), "bus port")
	rootCmd.PersistentFlags().StringVar(&requester, "requester", "operator", "requester recorded on audited commands")

	modeCmd.AddCommand(modeSetCmd)
	personaCmd.AddCommand(personaSetCmd)
	capitalCmd.AddCommand(capitalAdjustCmd)

	rootCmd.AddCommand(haltCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(modeCmd)
	rootCmd.AddCommand(personaCmd)
	rootCmd.AddCommand(capitalCmd)
	rootCmd.AddCommand(statusCmd)
}

var haltCmd = &cobra.Command{
	Use:   "halt",
	Short: "Hibernate the whole platform",
	Long: `halt puts the system state machine into Hibernating. All tenants stop
trading until an explicit resume.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := publishControl(signal.ActionHalt, nil); err != nil {
			return err
		}
		fmt.Println("halt published")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Leave hibernation",
	Long: `resume is the only way out of Hibernating. The core writes a recovery
report and returns to a steady state derived from current conditions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := publishControl(signal.ActionResume, nil); err != nil {
			return err
		}
		fmt.Println("resume published")
		return nil
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Discard queued order retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := publishControl(signal.ActionFlush, nil); err != nil {
			return err
		}
		fmt.Println("flush published")
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <module>",
	Short: "Bring back a crashed or dropped module",
	Long: `restart queues the named module on the restart queue with a fresh
retry budget. Modules that are already running are left alone.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := publishControl(signal.ActionRestart, map[string]string{"module": args[0]}); err != nil {
			return err
		}
		fmt.Printf("restart of %s published\n", args[0])
		return nil
	},
}

var modeCmd = &cobra.Command{
	Use:   "mode",
	Short: "Manage tenant morphic modes",
}

var modeSetCmd = &cobra.Command{
	Use:   "set <tenant> <mode>",
	Short: "Request a morphic mode change for a tenant",
	Long: `mode set asks the mode governor to move a tenant to the given morphic
mode (default, aggressive, conservative, hibernate). The governor validates
the request against its caps and scopes and may refuse it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := publishControl(signal.ActionSetMorphicMode, map[string]string{
			"tenant":    args[0],
			"mode":      args[1],
			"requester": requester,
		})
		if err != nil {
			return err
		}
		fmt.Printf("mode %s requested for %s\n", args[1], args[0])
		return nil
	},
}

var personaCmd = &cobra.Command{
	Use:   "persona",
	Short: "Manage tenant personas",
}

var personaSetCmd = &cobra.Command{
	Use:   "set <tenant> <persona>",
	Short: "Request a persona change for a tenant",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := publishControl(signal.ActionSetPersona, map[string]string{
			"tenant":    args[0],
			"persona":   args[1],
			"requester": requester,
		})
		if err != nil {
			return err
		}
		fmt.Printf("persona %s requested for %s\n", args[1], args[0])
		return nil
	},
}

var capitalCmd = &cobra.Command{
	Use:   "capital",
	Short: "Manage tenant capital allocation",
}

var capitalAdjustCmd = &cobra.Command{
	Use:   "adjust <tenant> <strategy> <fraction>",
	Short: "Propose a new allocation fraction for one strategy",
	Long: `capital adjust sends an adjust_capital proposal to the capital keeper.
The keeper clamps the fraction to the configured floor and ceiling and bumps
the tenant's book version; watch the capital API to see the applied value.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := strconv.ParseFloat(args[2], 64); err != nil {
			return fmt.Errorf("fraction %q is not a number", args[2])
		}
		err := publishControl(signal.ActionAdjustCapital, map[string]string{
			"tenant":    args[0],
			"strategy":  args[1],
			"fraction":  args[2],
			"requester": requester,
		})
		if err != nil {
			return err
		}
		fmt.Printf("allocation %s -> %s proposed for %s\n", args[1], args[2], args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system state and module registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBus(func(ctx context.Context, b bus.Bus) error {
			state, err := b.Get(ctx, system.StateKey)
			if err != nil {
				state = "unknown"
			}
			active, err := b.Get(ctx, failover.ActiveKey)
			failoverActive := err == nil && active == "true"

			fmt.Printf("state:    %s\n", state)
			fmt.Printf("failover: %v\n", failoverActive)

			reg := registry.New(b, zerolog.Nop())
			records, err := reg.List(ctx)
			if err != nil {
				return fmt.Errorf("registry read failed: %w", err)
			}
			statuses, err := reg.Statuses(ctx)
			if err != nil {
				return fmt.Errorf("status read failed: %w", err)
			}

			fmt.Printf("modules:  %d\n\n", len(records))
			fmt.Printf("%-28s %-10s %-10s %s\n", "MODULE", "VERSION", "STATE", "LAST HEARTBEAT")
			for _, r := range records {
				st, ok := statuses[r.Name]
				stateName, beat := "unknown", "never"
				if ok {
					stateName = st.State
					if st.HeartbeatAt > 0 {
						beat = time.UnixMilli(st.HeartbeatAt).UTC().Format(time.RFC3339)
					}
				}
				fmt.Printf("%-28s %-10s %-10s %s\n", r.Name, r.Version, stateName, beat)
			}
			return nil
		})
	},
}

// withBus runs fn against a short-lived bus connection.
func withBus(fn func(ctx context.Context, b bus.Bus) error) error {
	b := bus.NewRedis(bus.Options{
		Addr:      fmt.Sprintf("%s:%d", redisHost, redisPort),
		QueueSize: 8,
		Log:       zerolog.Nop(),
	})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Ping(ctx); err != nil {
		return fmt.Errorf("bus unreachable at %s:%d: %w", redisHost, redisPort, err)
	}
	return fn(ctx, b)
}

func publishControl(action string, args map[string]string) error {
	return withBus(func(ctx context.Context, b bus.Bus) error {
		raw, err := signal.NewControl(action, args).Encode()
		if err != nil {
			return err
		}
		if err := b.Publish(ctx, events.ChannelControlManual, raw); err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		return nil
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
