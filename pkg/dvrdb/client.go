package dvrdb

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/ovn-org/libovsdb/client"
	"github.com/ovn-org/libovsdb/model"
	fsnotify "gopkg.in/fsnotify/fsnotify.v1"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/klogr"

	"github.com/rossella/neutron-dvr/pkg/config"
	"github.com/rossella/neutron-dvr/pkg/types"
)

// NewClient creates a monitored client connected to the DVR control
// database. The client keeps reconnecting until stopCh closes.
func NewClient(cfg config.OvsdbAuthConfig, stopCh <-chan struct{}) (client.Client, error) {
	dbModel, err := FullDatabaseModel()
	if err != nil {
		return nil, err
	}

	c, err := newClient(cfg, dbModel, stopCh)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), types.OVSDBTimeout)
	defer cancel()
	if _, err = c.MonitorAll(ctx); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// newClient dials the database and, for SSL endpoints, starts a watcher
// goroutine that swaps rotated certificates in; stopCh bounds its lifetime.
func newClient(cfg config.OvsdbAuthConfig, dbModel model.ClientDBModel, stopCh <-chan struct{}) (client.Client, error) {
	logger := klogr.New()
	options := []client.Option{
		// Re-reading the whole database after a reconnect takes longer
		// than a regular operation, so the reconnect gets the full
		// operation budget with no backoff stacked on top; otherwise a
		// large database can wedge the client in a reconnect loop.
		client.WithReconnect(types.OVSDBTimeout, &backoff.ZeroBackOff{}),
		client.WithLeaderOnly(true),
		client.WithLogger(&logger),
	}
	for _, endpoint := range strings.Split(cfg.Address, ",") {
		options = append(options, client.WithEndpoint(endpoint))
	}

	var certs *certWatcher
	if cfg.Scheme == config.OvsdbSchemeSSL {
		tlsConfig, err := sslConfig(cfg)
		if err != nil {
			return nil, err
		}
		if certs, err = newCertWatcher(cfg.Cert, cfg.PrivKey, tlsConfig); err != nil {
			return nil, err
		}
		options = append(options, client.WithTLSConfig(tlsConfig))
	}

	c, err := client.NewOVSDBClient(dbModel, options...)
	if err != nil {
		certs.stop()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), types.OVSDBTimeout)
	defer cancel()
	if err = c.Connect(ctx); err != nil {
		certs.stop()
		return nil, err
	}

	if certs != nil {
		go certs.run(c, stopCh)
	}

	return c, nil
}

// sslConfig builds the client TLS config from the configured certificate
// pair and CA bundle.
func sslConfig(cfg config.OvsdbAuthConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.PrivKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load the database client cert pair: %v", err)
	}
	caBytes, err := os.ReadFile(cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read the database CA cert: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   cfg.CertCommonName,
	}, nil
}

// certWatcher tracks an on-disk certificate pair so a rotation reaches
// the database connection without a restart.
type certWatcher struct {
	watcher   *fsnotify.Watcher
	certFile  string
	keyFile   string
	tlsConfig *tls.Config
}

func newCertWatcher(certFile, keyFile string, tlsConfig *tls.Config) (*certWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, file := range []string{certFile, keyFile} {
		if err := watcher.Add(file); err != nil {
			watcher.Close()
			return nil, err
		}
	}
	return &certWatcher{
		watcher:   watcher,
		certFile:  certFile,
		keyFile:   keyFile,
		tlsConfig: tlsConfig,
	}, nil
}

// run loads the pair again whenever either file is written or removed.
// Disconnecting is enough to pick the new pair up: the client reconnects
// on its own with the updated TLS config.
func (w *certWatcher) run(c client.Client, stopCh <-chan struct{}) {
	defer w.watcher.Close()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Remove) == 0 {
				continue
			}
			cert, err := tls.LoadX509KeyPair(w.certFile, w.keyFile)
			if err != nil {
				klog.Errorf("Failed to load the rotated cert pair (%s, %s): %v", w.certFile, w.keyFile, err)
				continue
			}
			if reflect.DeepEqual(w.tlsConfig.Certificates, []tls.Certificate{cert}) {
				continue
			}
			w.tlsConfig.Certificates = []tls.Certificate{cert}
			klog.Infof("Database cert pair rotated, reconnecting with the new pair")
			c.Disconnect()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			klog.Errorf("Cert watcher error: %v", err)
		case <-stopCh:
			return
		}
	}
}

// stop releases the watcher when the client it was built for never
// connected; run owns the close once the goroutine starts.
func (w *certWatcher) stop() {
	if w != nil {
		w.watcher.Close()
	}
}
