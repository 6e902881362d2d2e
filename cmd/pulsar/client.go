package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/ipc"
	"github.com/spf13/cobra"
)

// cliProcessName identifies the CLI on the bus.
const cliProcessName = "pulsar-cli"

func clientConfig() config.IPCConfig {
	cfg := config.DefaultConfig()
	if configFile != "" {
		if loaded, err := config.LoadFromFile(configFile); err == nil {
			cfg = loaded
		}
	}
	config.LoadFromEnv(cfg)
	return cfg.IPC
}

// withClient dials, registers the CLI and runs fn with the issued handler.
func withClient(timeout time.Duration, fn func(ctx context.Context, c *ipc.Client, handlerID uint64) error) error {
	c, err := ipc.Dial(clientConfig())
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var reg ipc.RegisterReply
	if err := c.Call(ctx, ipc.MsgRegisterProcess, &ipc.RegisterRequest{
		ProcessName: cliProcessName,
		LibVersion:  version,
	}, &reg); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return fn(ctx, c, reg.HandlerID)
}

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register with the daemon and print the handler id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(10*time.Second, func(ctx context.Context, c *ipc.Client, handlerID uint64) error {
				fmt.Println(handlerID)
				return nil
			})
		},
	}
}

func unregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <handler-id>",
		Short: "Remove a registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad handler id: %w", err)
			}
			c, err := ipc.Dial(clientConfig())
			if err != nil {
				return fmt.Errorf("connect to daemon: %w", err)
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			var rep ipc.UnregisterReply
			if err := c.Call(ctx, ipc.MsgUnregisterProcess, &ipc.UnregisterRequest{HandlerID: id}, &rep); err != nil {
				return err
			}
			fmt.Println("success:", rep.Success)
			return nil
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Ask the daemon whether a newer firmware image is available",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(5*time.Minute, func(ctx context.Context, c *ipc.Client, handlerID uint64) error {
				var rep ipc.CheckReply
				err := c.Call(ctx, ipc.MsgCheckForUpdate, &ipc.CheckRequest{
					HandlerID: strconv.FormatUint(handlerID, 10),
				}, &rep)
				if err != nil {
					return err
				}
				fmt.Println("available version:", rep.AvailableVersion)
				fmt.Println("details:", rep.UpdateDetails)
				return nil
			})
		},
	}
}

func downloadCmd() *cobra.Command {
	var imageName string

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download the offered firmware image to local storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(2*time.Hour, func(ctx context.Context, c *ipc.Client, handlerID uint64) error {
				var rep ipc.DownloadReply
				err := c.Call(ctx, ipc.MsgDownloadFirmware, &ipc.DownloadRequest{
					HandlerID: strconv.FormatUint(handlerID, 10),
					ImageName: imageName,
				}, &rep)
				if err != nil {
					return err
				}
				fmt.Println("downloaded version:", rep.DownloadedVersion)
				fmt.Println("path:", rep.DownloadPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&imageName, "image", "", "Expected image name (informational)")
	return cmd
}

func updateCmd() *cobra.Command {
	var (
		currVersion  string
		availVersion string
		downloadOnly bool
		critical     bool
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Download and flash the offered firmware image",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(4*time.Hour, func(ctx context.Context, c *ipc.Client, handlerID uint64) error {
				var rep ipc.UpdateReply
				err := c.Call(ctx, ipc.MsgUpdateFirmware, &ipc.UpdateRequest{
					HandlerID:        strconv.FormatUint(handlerID, 10),
					CurrFWVersion:    currVersion,
					AvailableVersion: availVersion,
					DownloadOnly:     downloadOnly,
					Critical:         critical,
				}, &rep)
				if err != nil {
					return err
				}
				fmt.Println("success:", rep.Success)
				fmt.Println("message:", rep.Message)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&currVersion, "current", "", "Current firmware version")
	cmd.Flags().StringVar(&availVersion, "available", "", "Available firmware version")
	cmd.Flags().BoolVar(&downloadOnly, "download-only", false, "Download without flashing")
	cmd.Flags().BoolVar(&critical, "critical", false, "Override an IGNORE_UPDATE opt-out")
	return cmd
}
