package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	intrnl "syncroom/internal"
	"syncroom/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(viper.New()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:           "syncroom",
		Short:         "Rooms with live text sync and resumable file transfer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			app.SetDefaults(v)
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return errors.Wrapf(err, "read config %s", cfgFile)
				}
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().String("log-level", "info", "log level (trace|debug|info|warn|error)")
	cmd.PersistentFlags().String("log-file", "", "write logs to this file instead of stdout")
	cmd.PersistentFlags().StringP("server", "s", "ws://localhost:8080/synchronize", "server websocket URL")
	cmd.PersistentFlags().StringP("user", "u", "", "display name")
	cmd.PersistentFlags().String("identity-file", app.DefaultIdentityPath(), "file holding the stable user uuid")
	bindFlag(v, app.KeyLogLevel, cmd.PersistentFlags(), "log-level")
	bindFlag(v, app.KeyLogFile, cmd.PersistentFlags(), "log-file")
	bindFlag(v, app.KeyServer, cmd.PersistentFlags(), "server")
	bindFlag(v, app.KeyUser, cmd.PersistentFlags(), "user")
	bindFlag(v, app.KeyIdentityFile, cmd.PersistentFlags(), "identity-file")

	cmd.AddCommand(newServeCommand(v))
	cmd.AddCommand(newWatchCommand(v))
	cmd.AddCommand(newUploadCommand(v))
	cmd.AddCommand(newDownloadCommand(v))
	cmd.AddCommand(newRoomsCommand(v))
	cmd.AddCommand(newFilesCommand(v))
	cmd.AddCommand(newConfigCommand(v))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// bindFlag binds key to the named pflag and logs when binding fails.
func bindFlag(v *viper.Viper, key string, flags *pflag.FlagSet, name string) {
	if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
		jww.ERROR.Printf("viper.BindPFlag failed for %q: %+v", key, err)
	}
}

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the room server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadServerConfig(v)
			if err != nil {
				return err
			}
			logCloser, err := app.InitLog(cfg.LogLevel, cfg.LogFile)
			if err != nil {
				return err
			}
			defer logCloser.Close()

			handle, err := app.RunServer(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := handle.Stop(ctx); err != nil {
					jww.WARN.Printf("shutdown: %v", err)
				}
			}()
			return handle.Wait()
		},
	}
	flags := cmd.Flags()
	flags.String("addr", ":8080", "listen address")
	flags.String("path", "/synchronize", "websocket join path")
	flags.String("db", app.DefaultDBPath(), "SQLite database path")
	flags.String("store", app.StoreSQLite, "message store (sqlite|mongo)")
	flags.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection string")
	flags.String("mongo-database", "syncroom", "MongoDB database name")
	flags.String("upload-dir", "", "directory holding shared files (default: next to the database)")
	flags.Int64("max-file-size", 1<<30, "largest accepted file in bytes")
	flags.Int64("max-chunk-size", 8<<20, "largest accepted upload chunk in bytes")
	flags.Int("backlog", 50, "texts sent to a joining client")
	flags.Duration("upload-ttl", 24*time.Hour, "drop unfinished uploads idle this long")
	flags.Duration("reap-interval", 10*time.Minute, "how often unfinished uploads are checked")
	flags.Int("rate-messages", 20, "websocket frames allowed per connection per window (0 disables)")
	flags.Int("rate-requests", 120, "file requests allowed per address per window (0 disables)")
	flags.Duration("rate-window", 5*time.Second, "rate limit window")

	bindFlag(v, app.KeyAddr, flags, "addr")
	bindFlag(v, app.KeyPath, flags, "path")
	bindFlag(v, app.KeyDB, flags, "db")
	bindFlag(v, app.KeyStore, flags, "store")
	bindFlag(v, app.KeyMongoURI, flags, "mongo-uri")
	bindFlag(v, app.KeyMongoDatabase, flags, "mongo-database")
	bindFlag(v, app.KeyUploadDir, flags, "upload-dir")
	bindFlag(v, app.KeyMaxFileSize, flags, "max-file-size")
	bindFlag(v, app.KeyMaxChunkSize, flags, "max-chunk-size")
	bindFlag(v, app.KeyBacklogLimit, flags, "backlog")
	bindFlag(v, app.KeyUploadSessionTTL, flags, "upload-ttl")
	bindFlag(v, app.KeyReapInterval, flags, "reap-interval")
	bindFlag(v, app.KeyRateMessages, flags, "rate-messages")
	bindFlag(v, app.KeyRateRequests, flags, "rate-requests")
	bindFlag(v, app.KeyRateWindow, flags, "rate-window")
	return cmd
}

func loadClient(v *viper.Viper) (app.ClientConfig, func(), error) {
	cfg, err := app.LoadClientConfig(v)
	if err != nil {
		return cfg, nil, err
	}
	logCloser, err := app.InitLog(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, func() { _ = logCloser.Close() }, nil
}

func newWatchCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a room, print its events and send lines from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, done, err := loadClient(v)
			if err != nil {
				return err
			}
			defer done()
			return app.RunWatch(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.Int64P("room", "r", 0, "room id to join (0 joins the public room)")
	flags.Duration("reconnect-interval", 2*time.Second, "base reconnect delay, multiplied by the attempt number")
	flags.Int("max-reconnects", 5, "reconnect attempts before giving up")
	bindFlag(v, app.KeyRoom, flags, "room")
	bindFlag(v, app.KeyReconnectInterval, flags, "reconnect-interval")
	bindFlag(v, app.KeyMaxReconnects, flags, "max-reconnects")
	return cmd
}

func newUploadCommand(v *viper.Viper) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a file, resuming a partial upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, done, err := loadClient(v)
			if err != nil {
				return err
			}
			defer done()
			return app.RunUpload(cmd.Context(), cfg, args[0], name, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&name, "name", "", "name on the server (default: base name of path)")
	flags.Int64("chunk-size", 1<<20, "bytes per upload chunk")
	flags.Int("chunks-per-second", 0, "pace chunks (0 is unlimited)")
	bindFlag(v, app.KeyChunkSize, flags, "chunk-size")
	bindFlag(v, app.KeyChunksPerSecond, flags, "chunks-per-second")
	return cmd
}

func newDownloadCommand(v *viper.Viper) *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "download <name>",
		Short: "Download a file, resuming a partial local copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, done, err := loadClient(v)
			if err != nil {
				return err
			}
			defer done()
			return app.RunDownload(cmd.Context(), cfg, args[0], dest, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&dest, "output", "o", "", "local path (default: the file name)")
	return cmd
}

func newRoomsCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List or create rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, done, err := loadClient(v)
			if err != nil {
				return err
			}
			defer done()
			return app.RunListRooms(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	var description string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, done, err := loadClient(v)
			if err != nil {
				return err
			}
			defer done()
			return app.RunCreateRoom(cmd.Context(), cfg, args[0], description, cmd.OutOrStdout())
		},
	}
	create.Flags().StringVarP(&description, "description", "d", "", "room description")
	cmd.AddCommand(create)
	return cmd
}

func newFilesCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List shared files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, done, err := loadClient(v)
			if err != nil {
				return err
			}
			defer done()
			return app.RunListFiles(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	remove := &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a shared file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, done, err := loadClient(v)
			if err != nil {
				return err
			}
			defer done()
			return app.RunDeleteFile(cmd.Context(), cfg, args[0])
		},
	}
	cmd.AddCommand(remove)
	return cmd
}

func newConfigCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective server and client configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			serverCfg, err := app.LoadServerConfig(v)
			if err != nil {
				return err
			}
			clientCfg, err := app.LoadClientConfig(v)
			if err != nil {
				return err
			}
			out, err := app.DumpYAML(map[string]any{"server": serverCfg, "client": clientCfg})
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), intrnl.VersionString())
		},
	}
}
