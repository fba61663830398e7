package cmd

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tunguard/tunguard/internal/ctlapi"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Set device signals on the running agent",
}

var deviceLockedCmd = &cobra.Command{
	Use:       "locked on|off",
	Short:     "Set whether the device screen is locked",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE:      deviceFlagRunner("/v1/device/locked"),
}

var deviceLockdownCmd = &cobra.Command{
	Use:       "lockdown on|off",
	Short:     "Set lockdown mode and engage or release the kill switch",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE:      deviceFlagRunner("/v1/device/lockdown"),
}

func init() {
	deviceCmd.AddCommand(deviceLockedCmd, deviceLockdownCmd)
	rootCmd.AddCommand(deviceCmd)
}

func deviceFlagRunner(path string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		v, err := parseOnOff(args[0])
		if err != nil {
			return fmt.Errorf("tunguard device: %w", err)
		}
		resp, err := socketDo(cmd.Context(), socketPath, http.MethodPut, path, ctlapi.ValueRequest{Value: v})
		if err != nil {
			return fmt.Errorf("tunguard device: %w", err)
		}
		resp.Body.Close()
		return nil
	}
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid value %q, want on or off", s)
	}
	return b, nil
}
