package cli

import (
	"errors"
	"fmt"

	"github.com/agentbus/agentbus/internal/config"
	"github.com/agentbus/agentbus/internal/store"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify the home directory resolves and the database opens",
		RunE: func(cmd *cobra.Command, args []string) error {
			var problems []string

			home := config.MustHomeFrom(cmd.Context())
			if _, err := config.LoadThresholds(home); err != nil {
				problems = append(problems, fmt.Sprintf("threshold overrides at %s: %v", config.ThresholdsPath(home), err))
			}

			s, err := store.Open(home)
			if err != nil {
				problems = append(problems, fmt.Sprintf("open database at %s: %v", home, err))
			} else {
				_ = s.Close()
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	return cmd
}
