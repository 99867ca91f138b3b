// Command gatewayd runs the device gateway: it accepts raw device
// connections, runs the mutual-auth handshake, and hands each device
// off to its own session actor for the lifetime of the connection.
package main

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"devicegateway/internal/apiclient"
	"devicegateway/internal/attributes"
	"devicegateway/internal/cipherstream"
	"devicegateway/internal/config"
	"devicegateway/internal/firmware"
	"devicegateway/internal/handshake"
	"devicegateway/internal/keystore"
	"devicegateway/internal/logging"
	"devicegateway/internal/publisher"
	"devicegateway/internal/session"
)

const (
	exitSetupSuccess = 0
	exitSetupFailed  = 1
)

func main() {
	cfg, err := config.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, "gatewayd: config:", err)
		os.Exit(exitSetupFailed)
	}

	logLevel := logging.LevelInfo
	if cfg.ShowVerboseDeviceLogs {
		logLevel = logging.LevelDebug
	}
	log := logging.New(logLevel, "(gatewayd) ")

	server, err := loadServerIdentity(cfg.ServerKeyPath)
	if err != nil {
		log.Error.Println("loading server identity:", err)
		os.Exit(exitSetupFailed)
	}

	keys, err := keystore.Load(cfg.DeviceKeyStoreDir)
	if err != nil {
		log.Error.Println("loading device key store:", err)
		os.Exit(exitSetupFailed)
	}

	pub, err := publisher.New(publisher.Config{
		Brokers:       cfg.KafkaBrokers,
		Topic:         cfg.KafkaTopic,
		ConsumerGroup: cfg.KafkaGroup,
	}, log)
	if err != nil {
		log.Error.Println("starting publisher:", err)
		os.Exit(exitSetupFailed)
	}
	defer pub.Close()

	collab := session.Collaborators{
		AttributeStore: attributes.New(),
		API:            apiclient.New(cfg.APIBaseURL),
		Publisher:      pub,
		Firmware:       firmware.New(cfg.FirmwareDir),
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Error.Println("listen:", err)
		os.Exit(exitSetupFailed)
	}
	log.Info.Println("listening on", cfg.ListenAddress)

	errs := make(chan error, 1)
	go acceptLoop(listener, server, keys, cfg, log, collab, errs)

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, os.Interrupt)

	select {
	case <-term:
	case err := <-errs:
		log.Error.Println("accept loop stopped:", err)
	}

	log.Info.Println("shutting down")
	_ = listener.Close()
	os.Exit(exitSetupSuccess)
}

func acceptLoop(listener net.Listener, server handshake.ServerIdentity, keys *keystore.Store, cfg *config.Config, log *logging.Logger, collab session.Collaborators, errs chan<- error) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			errs <- err
			return
		}
		go handleConn(conn, server, keys, cfg, log, collab)
	}
}

// handleConn reads the device's cleartext 12-byte identifier off the
// freshly accepted socket, runs the handshake, and hands the
// resulting cipher session to a new Session actor.
func handleConn(conn net.Conn, server handshake.ServerIdentity, keys *keystore.Store, cfg *config.Config, log *logging.Logger, collab session.Collaborators) {
	var deviceID [12]byte
	if _, err := io.ReadFull(conn, deviceID[:]); err != nil {
		log.Error.Println("reading device id:", err)
		_ = conn.Close()
		return
	}

	result, err := handshake.PerformServer(conn, server, keys, deviceID)
	if err != nil {
		log.Error.Println("handshake failed:", err)
		_ = conn.Close()
		return
	}

	sessionKeys := cipherstream.SplitSessionKey(result.SessionKey)
	cipher, err := cipherstream.New(conn, sessionKeys.Key[:], sessionKeys.SendIV[:], sessionKeys.RecvIV[:])
	if err != nil {
		log.Error.Println("building cipher session:", err)
		_ = conn.Close()
		return
	}

	s := session.New(result.DeviceID, conn, cipher, cfg, log, collab)
	s.Run()
}

func loadServerIdentity(path string) (handshake.ServerIdentity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return handshake.ServerIdentity{}, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return handshake.ServerIdentity{}, fmt.Errorf("no PEM block found in %s", path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return handshake.ServerIdentity{}, err
	}
	return handshake.ServerIdentity{PrivateKey: key, PublicKey: &key.PublicKey}, nil
}
