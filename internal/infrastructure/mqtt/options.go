package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nerrad567/loxrelay/internal/infrastructure/config"
)

// Timeouts and reconnect tuning for the paho client.
const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultKeepAlive         = 30 * time.Second
	defaultPingTimeout       = 10 * time.Second
	defaultMaxReconnectWait  = 2 * time.Minute
	defaultDisconnectQuiesce = 250 // milliseconds
)

// buildClientOptions constructs paho client options from broker config.
//
// The client id gets a short random suffix so multiple relay instances
// against the same broker do not evict each other's sessions. The Last Will
// and Testament is set on the relay status topic so subscribers see an
// unclean disconnect.
func buildClientOptions(cfg config.BrokerConfig, topics Topics) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "loxrelay"
	}
	opts.SetClientID(fmt.Sprintf("%s-%s", clientID, uuid.NewString()[:8]))

	if cfg.User != "" {
		opts.SetUsername(cfg.User)
		opts.SetPassword(cfg.Password)
	}

	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetPingTimeout(defaultPingTimeout)
	opts.SetConnectTimeout(defaultConnectTimeout)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(defaultMaxReconnectWait)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)

	// Clean session: subscriptions are tracked client-side and restored by
	// the OnConnect handler, so broker-side session state is unnecessary.
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)

	opts.SetWill(topics.Status(), "Disconnected", byte(cfg.QoS), true)

	return opts
}
