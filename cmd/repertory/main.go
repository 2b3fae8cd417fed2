// Command repertory is the minimal driver entrypoint: it loads
// config.json, opens the metadata store, starts the configured
// provider and serves the binary RPC transport (C9) on the configured
// port. It deliberately stops at the RPC boundary -- the FUSE/WinFsp
// mount glue, the full CLI surface and the file-manager policy layer
// are named in spec.md S1's Non-goals and are not implemented here.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/repertory-project/repertory/apierr"
	"github.com/repertory-project/repertory/codec"
	"github.com/repertory-project/repertory/config"
	"github.com/repertory-project/repertory/metadb"
	"github.com/repertory-project/repertory/provider"
	"github.com/repertory-project/repertory/provider/encrypt"
	"github.com/repertory-project/repertory/provider/s3"
	"github.com/repertory-project/repertory/provider/sia"
	"github.com/repertory-project/repertory/rpc"
	"github.com/repertory-project/repertory/transport"
)

// version is the build version printed by the `version` subcommand. The
// RPC server's minimum peer version comes from settings.RPC.MinVersion.
const version = "1.0"

var log = logrus.WithField("component", "cmd/repertory")

var (
	dataDir  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "repertory",
	Short: "Repertory projects S3, Sia and encrypted-directory backends as an RPC-served filesystem core",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("repertory " + version)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the metadata store, the configured provider and the RPC server",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "directory holding config.json, meta.db, cache and logs")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logrus level: trace, debug, info, warn, error")
	rootCmd.AddCommand(versionCmd, serveCmd)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".repertory"
	}
	return home + string(os.PathSeparator) + ".repertory"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("repertory exited with an error")
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	settings, err := config.Load(dataDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	meta, err := metadb.Open(settings.MetaDBPath())
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer func() { _ = meta.Close() }()

	transport.Init()
	defer transport.Teardown()

	prov, err := buildProvider(settings, meta)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := prov.Start(ctx, func(ctx context.Context, directory bool, file provider.ApiFile) error {
		return nil
	}); err != nil {
		return fmt.Errorf("starting provider: %w", err)
	}
	defer func() { _ = prov.Stop(ctx) }()

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", settings.APIPort))
	if err != nil {
		return fmt.Errorf("listening on api port: %w", err)
	}
	defer func() { _ = ln.Close() }()

	sendTimeout := time.Duration(settings.RPC.SendTimeoutMs) * time.Millisecond
	recvTimeout := time.Duration(settings.RPC.RecvTimeoutMs) * time.Millisecond
	srv, err := rpc.NewServer(settings.RPC.Token, settings.RPC.MinVersion, dispatch(prov), sendTimeout, recvTimeout)
	if err != nil {
		return fmt.Errorf("constructing rpc server: %w", err)
	}

	log.WithField("api_port", settings.APIPort).WithField("provider", settings.Provider).Info("repertory serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	if err := srv.Serve(ctx, ln); err != nil && ctx.Err() == nil {
		return fmt.Errorf("rpc server: %w", err)
	}
	return nil
}

// buildProvider selects and constructs the backend named by
// settings.Provider (spec.md S4.6/S4.7/S4.8).
func buildProvider(settings config.Settings, meta *metadb.Store) (provider.Provider, error) {
	switch settings.Provider {
	case config.ProviderS3:
		return s3.New(settings.S3Config, settings.RetryReadCount, meta)
	case config.ProviderSia:
		return sia.New(settings.HostConfig, settings.RetryReadCount, meta), nil
	case config.ProviderEncrypt:
		return encrypt.New(settings.Encryption, meta)
	default:
		return nil, fmt.Errorf("unknown provider %q", settings.Provider)
	}
}

// dispatch builds the rpc.Handler that routes decoded RPC methods onto
// prov. Only a representative slice of the driver-boundary surface is
// wired here (spec.md S1 "driver boundary ... exposed but not
// implemented" -- the FUSE/WinFsp-facing method set is out of scope);
// this demonstrates the same (service_flags, client_id, thread_id,
// method, args) -> response shape a full driver glue would use.
func dispatch(prov provider.Provider) rpc.Handler {
	return func(ctx context.Context, serviceFlags uint32, clientID string, threadID uint64, method string, args []byte) ([]byte, *apierr.APIError) {
		log.WithField("client_id", clientID).WithField("thread_id", threadID).WithField("method", method).Debug("dispatching rpc request")

		switch method {
		case "is_online":
			w := codec.NewWriter()
			w.PutBool(prov.IsOnline(ctx))
			return w.Bytes(), nil

		case "get_file":
			apiPath, err := readString(args)
			if err != nil {
				return nil, apierr.Wrap(apierr.Error, err)
			}
			file, apiErr := prov.GetFile(ctx, apiPath)
			if apiErr != nil {
				return nil, apiErr
			}
			return encodeAPIFile(file), nil

		case "get_directory_items":
			apiPath, err := readString(args)
			if err != nil {
				return nil, apierr.Wrap(apierr.Error, err)
			}
			items, apiErr := prov.GetDirectoryItems(ctx, apiPath)
			if apiErr != nil {
				return nil, apiErr
			}
			w := codec.NewWriter()
			w.PutUint32(uint32(len(items)))
			for _, item := range items {
				w.PutString(item.APIPath)
				w.PutBool(item.Directory)
				w.PutInt64(item.Size)
			}
			return w.Bytes(), nil

		case "read_file_bytes":
			r := codec.NewReader(args)
			apiPath, err := r.String()
			if err != nil {
				return nil, apierr.Wrap(apierr.Error, err)
			}
			size, err := r.Int64()
			if err != nil {
				return nil, apierr.Wrap(apierr.Error, err)
			}
			offset, err := r.Int64()
			if err != nil {
				return nil, apierr.Wrap(apierr.Error, err)
			}
			return prov.ReadFileBytes(ctx, apiPath, size, offset, nil)

		default:
			return nil, apierr.New(apierr.NotImplemented)
		}
	}
}

func readString(buf []byte) (string, error) {
	r := codec.NewReader(buf)
	return r.String()
}

func encodeAPIFile(file provider.ApiFile) []byte {
	w := codec.NewWriter()
	w.PutString(file.APIPath)
	w.PutString(file.APIParent)
	w.PutInt64(file.FileSize)
	w.PutString(file.SourcePath)
	return w.Bytes()
}
