package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ruftgo/ruft/pkg/demo"
	"github.com/ruftgo/ruft/pkg/endpoint"
	"github.com/ruftgo/ruft/pkg/kv"
	"github.com/ruftgo/ruft/pkg/logging"
	"github.com/ruftgo/ruft/pkg/raft"
	"github.com/ruftgo/ruft/pkg/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		nodeID       string
		addr         string
		httpAddr     string
		peersFlag    string
		learnersFlag string
		dataDir      string
		heartbeatMS  int
		debug        bool
	)

	cmd := &cobra.Command{
		Use:   "ruftd",
		Short: "Run a ruft cluster node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if nodeID == "" || addr == "" {
				return fmt.Errorf("--id and --addr are required")
			}
			return runServer(serverArgs{
				nodeID:       nodeID,
				addr:         addr,
				httpAddr:     httpAddr,
				peersFlag:    peersFlag,
				learnersFlag: learnersFlag,
				dataDir:      dataDir,
				heartbeatMS:  heartbeatMS,
				debug:        debug,
			})
		},
	}

	// cmd.Flags() is a *pflag.FlagSet under the hood; bound explicitly
	// here (rather than left as an opaque cobra method) since
	// VarP/shorthand flags are a pflag capability cobra only re-exports.
	var flags *pflag.FlagSet = cmd.Flags()
	flags.StringVarP(&nodeID, "id", "i", "", "node id (required)")
	flags.StringVarP(&addr, "addr", "a", "", "grpc listen address, e.g. localhost:5000 (required)")
	flags.StringVar(&httpAddr, "http", "", "http demo API listen address, e.g. localhost:8000")
	flags.StringVarP(&peersFlag, "peers", "p", "", "comma-separated id=addr pairs for every cluster member, including self")
	flags.StringVar(&learnersFlag, "learners", "", "comma-separated ids of non-voting members")
	flags.StringVar(&dataDir, "data-dir", "", "metadata/log directory (default /tmp/ruft/<id>)")
	flags.IntVar(&heartbeatMS, "heartbeat-ms", 3000, "leader heartbeat interval in milliseconds")
	flags.BoolVar(&debug, "debug", false, "use a human-readable development logger")

	return cmd
}

type serverArgs struct {
	nodeID       string
	addr         string
	httpAddr     string
	peersFlag    string
	learnersFlag string
	dataDir      string
	heartbeatMS  int
	debug        bool
}

func runServer(a serverArgs) error {
	logger, err := logging.New(a.debug)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	members, err := parsePeers(a.peersFlag, a.learnersFlag, a.nodeID, a.addr)
	if err != nil {
		return err
	}

	dataDir := a.dataDir
	if dataDir == "" {
		dataDir = fmt.Sprintf("/tmp/ruft/%s", a.nodeID)
	}

	self := endpoint.New(a.nodeID, a.addr)
	store := kv.New()

	grpcTransport := transport.NewGRPCTransport(members)

	cfg := raft.NewConfigBuilder(self).
		Members(members).
		DataDir(dataDir).
		HeartbeatInterval(time.Duration(a.heartbeatMS) * time.Millisecond).
		Logger(logger).
		StateMachine(store).
		Transport(grpcTransport).
		Build()

	node, err := raft.New(cfg)
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}

	rpcServer, err := transport.NewServer(a.addr, node.Handler(), logger)
	if err != nil {
		return fmt.Errorf("start rpc server: %w", err)
	}

	node.Start()
	logger.Info("ruft node started", zap.String("id", a.nodeID), zap.String("addr", a.addr), zap.Int("members", len(members)))

	var httpServer *http.Server
	if a.httpAddr != "" {
		httpServer = &http.Server{Addr: a.httpAddr, Handler: demo.NewHTTPHandler(node, store)}
		go func() {
			logger.Info("demo http api listening", zap.String("addr", a.httpAddr))
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http server error", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
	}
	rpcServer.Stop()
	grpcTransport.Close()
	node.Stop()
	logger.Info("shutdown complete")
	return nil
}

func parsePeers(peersFlag, learnersFlag, selfID, selfAddr string) ([]endpoint.Endpoint, error) {
	learners := map[string]bool{}
	if learnersFlag != "" {
		for _, id := range strings.Split(learnersFlag, ",") {
			learners[id] = true
		}
	}

	members := []endpoint.Endpoint{}
	seenSelf := false
	if peersFlag != "" {
		for _, peer := range strings.Split(peersFlag, ",") {
			parts := strings.SplitN(peer, "=", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("invalid --peers entry %q, want id=addr", peer)
			}
			if learners[parts[0]] {
				members = append(members, endpoint.NewLearner(parts[0], parts[1]))
			} else {
				members = append(members, endpoint.New(parts[0], parts[1]))
			}
			if parts[0] == selfID {
				seenSelf = true
			}
		}
	}
	if !seenSelf {
		if learners[selfID] {
			members = append(members, endpoint.NewLearner(selfID, selfAddr))
		} else {
			members = append(members, endpoint.New(selfID, selfAddr))
		}
	}
	return members, nil
}
