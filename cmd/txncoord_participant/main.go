// Command txncoord_participant hosts in-memory participants behind the
// participant gRPC service. It is the counterpart coordinators talk to in
// local clusters and demos.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	participantservice "github.com/sushant-115/gojodb-txncoord/api/participant_service"
	"github.com/sushant-115/gojodb-txncoord/core/security/encryption/internaltls"
	"github.com/sushant-115/gojodb-txncoord/core/transaction"
	internaltelemetry "github.com/sushant-115/gojodb-txncoord/internal/telemetry"
	"github.com/sushant-115/gojodb-txncoord/pkg/logger"
	"github.com/sushant-115/gojodb-txncoord/pkg/telemetry"
)

const GrpcServerStopTimeout = 5 * time.Second

var (
	ids         = flag.String("ids", "shard0", "Comma separated participant ids hosted by this process")
	grpcAddr    = flag.String("grpc_addr", "127.0.0.1:9100", "gRPC bind address")
	metricsAddr = flag.String("metrics_addr", "", "HTTP bind address for /metrics; disabled when empty")
	logLevel    = flag.String("log_level", "info", "Log level")
	tlsCA       = flag.String("tls_ca", "", "CA certificate used to verify coordinators")
	tlsCert     = flag.String("tls_cert", "", "Server certificate")
	tlsKey      = flag.String("tls_key", "", "Server key")
	genCerts    = flag.String("gen_certs", "", "Write a CA with server and client certificates to this directory and exit")
	certHost    = flag.String("cert_host", "localhost", "Server name put in generated certificates")
)

func main() {
	flag.Parse()

	if *genCerts != "" {
		if err := internaltls.GenerateCertificates(*genCerts, *certHost, 365*24*time.Hour); err != nil {
			log.Fatalf("CRITICAL: failed to generate certificates: %v", err)
		}
		log.Printf("INFO: certificates written to %s", *genCerts)
		return
	}

	zlogger, err := logger.New(logger.Config{Level: *logLevel, Format: "json", OutputFile: "stdout", Service: "txncoord-participant"})
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()

	if err := run(zlogger); err != nil {
		zlogger.Fatal("Participant host failed", zap.Error(err))
	}
}

func run(zlogger *zap.Logger) error {
	participants := transaction.LocalParticipants{}
	for _, id := range strings.Split(*ids, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		participants[transaction.ParticipantID(id)] = transaction.NewParticipant(transaction.ParticipantID(id))
	}
	if len(participants) == 0 {
		return errors.New("no participant ids given")
	}

	tel, shutdownTelemetry, err := telemetry.New(telemetry.Config{
		Enabled:     *metricsAddr != "",
		ServiceName: "txncoord-participant",
	})
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())
	metrics, err := internaltelemetry.NewParticipantRPCMetrics(tel.Meter, "server")
	if err != nil {
		return err
	}

	tlsConfig := internaltls.Config{
		Enabled:  *tlsCert != "",
		CAFile:   *tlsCA,
		CertFile: *tlsCert,
		KeyFile:  *tlsKey,
	}
	if err := tlsConfig.Validate(); err != nil {
		return err
	}
	creds, err := internaltls.ServerCredentials(tlsConfig)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", *grpcAddr)
	if err != nil {
		return err
	}
	grpcServer := participantservice.NewServer(participants, metrics, zlogger).NewGRPCServer(creds)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.MetricsHandler)
		metricsServer := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zlogger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer metricsServer.Close()
	}

	serveErr := make(chan error, 1)
	go func() {
		zlogger.Info("Participant gRPC server listening",
			zap.String("addr", *grpcAddr), zap.Int("participants", len(participants)), zap.Bool("tls", tlsConfig.Enabled))
		serveErr <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		zlogger.Info("Shutdown signal received")
	case err := <-serveErr:
		return err
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(GrpcServerStopTimeout):
		grpcServer.Stop()
	}
	return nil
}
