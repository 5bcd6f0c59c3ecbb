package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/roffe/canbus"
	"github.com/roffe/canbus/adapter"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(adaptersCmd)
	rootCmd.AddCommand(portsCmd)
}

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "list registered adapters",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, a := range canbus.ListAdapters() {
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n%-10s %s\n", a.Name, a.Description, "", a.Capabilities.String())
		}
	},
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "list serial ports and CAN network interfaces",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ports, err := adapter.SerialPorts()
		if err != nil {
			logger.Warn("serial ports", "err", err)
		}
		for _, p := range ports {
			fmt.Fprintln(out, "serial ", p.String())
		}
		for _, d := range adapter.SocketCANDevices() {
			fmt.Fprintln(out, "netdev ", d)
		}
		return nil
	},
}

// channelCandidates returns what a channel can be set to for adapterName.
func channelCandidates(adapterName string) ([]string, error) {
	var info *canbus.AdapterInfo
	for _, a := range canbus.ListAdapters() {
		if strings.EqualFold(a.Name, adapterName) {
			info = &a
			break
		}
	}
	if info == nil {
		return nil, fmt.Errorf("%w %q", canbus.ErrUnknownAdapter, adapterName)
	}
	if !info.RequiresSerialPort {
		return adapter.SocketCANDevices(), nil
	}
	ports, err := adapter.SerialPorts()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(ports))
	for i, p := range ports {
		out[i] = p.Name
	}
	return out, nil
}

func pickChannel(adapterName string) (string, error) {
	items, err := channelCandidates(adapterName)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", errors.New("no channels found, pass --channel")
	}
	prompt := promptui.Select{
		Label:    "Select channel",
		HideHelp: true,
		Items:    items,
	}
	_, result, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("prompt failed: %w", err)
	}
	return result, nil
}
