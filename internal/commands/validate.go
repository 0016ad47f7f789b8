package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"evalgo.org/sessionagent/internal/validation"
	"evalgo.org/sessionagent/models"
)

var validateInstances int

var validateCmd = &cobra.Command{
	Use:   "validate [type] [file]",
	Short: "Validate a start info or heartbeat document",
	Long: `Validate a JSON document locally.

Types:
  start-info   a SessionHostsStartInfo; without a file the start_info of the
               loaded configuration is checked
  heartbeat    a current-shape heartbeat request
  legacy       a legacy heartbeat request

Examples:
  sessionagent validate start-info
  sessionagent validate start-info start.json --instances 4
  sessionagent validate heartbeat hb.json`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().IntVar(&validateInstances, "instances", 0, "instance count for port mapping checks (default: agent.instances)")
}

func runValidate(cmd *cobra.Command, args []string) error {
	documentType := args[0]

	var data []byte
	if len(args) == 2 {
		var err error
		data, err = os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
	}

	result, err := validateDocument(documentType, data)
	if err != nil {
		return err
	}
	return printValidationResult(cmd.OutOrStdout(), result)
}

// validateDocument decodes data as documentType and validates it. Empty data
// for start-info validates the configured start info.
func validateDocument(documentType string, data []byte) (*validation.ValidationResult, error) {
	v := validation.New()

	switch documentType {
	case "start-info":
		instances := validateInstances
		if instances <= 0 && cfg != nil {
			instances = cfg.Agent.Instances
		}
		if data == nil {
			if cfg == nil {
				return nil, fmt.Errorf("no configuration loaded and no file given")
			}
			return v.ValidateStartInfo(&cfg.Agent.StartInfo, instances), nil
		}
		var info models.SessionHostsStartInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return v.ValidateStartInfo(&info, instances), nil

	case "heartbeat":
		if data == nil {
			return nil, fmt.Errorf("heartbeat validation needs a file")
		}
		var hb models.SessionHostHeartbeatInfo
		if err := json.Unmarshal(data, &hb); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return v.ValidateHeartbeat(&hb), nil

	case "legacy":
		if data == nil {
			return nil, fmt.Errorf("legacy heartbeat validation needs a file")
		}
		var info models.LegacyGameInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return v.ValidateLegacyHeartbeat(&info), nil

	default:
		return nil, fmt.Errorf("unknown document type: %s (use 'start-info', 'heartbeat' or 'legacy')", documentType)
	}
}

func printValidationResult(out io.Writer, result *validation.ValidationResult) error {
	if result.Valid {
		fmt.Fprintln(out, "✓ Document is valid")
		return nil
	}

	fmt.Fprintln(out, "✗ Validation failed:")
	for _, e := range result.Errors {
		if e.Value != nil {
			fmt.Fprintf(out, "  - %s: %s (value: %v)\n", e.Field, e.Message, e.Value)
		} else {
			fmt.Fprintf(out, "  - %s: %s\n", e.Field, e.Message)
		}
	}

	return fmt.Errorf("validation failed")
}
