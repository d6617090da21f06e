package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/flowreg/pkg/domain"
	"github.com/yairfalse/flowreg/pkg/transport"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe the running registry over its local channel",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()

	socket := filepath.Join(cfg.Transport.ChannelDir, cfg.Transport.Self+".sock")
	client := transport.NewClient(cfg.MessageTimeout(), 0)

	pid, err := client.Heartbeat(ctx, socket, domain.ComponentUnknown, cfg.SelfID())
	if err != nil {
		return fmt.Errorf("registry not reachable at %s: %w", socket, err)
	}

	fmt.Printf("registry %s is up (pid %d)\n", cfg.Transport.Self, pid)
	return nil
}
