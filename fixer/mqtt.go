package fixer

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// ReconcileCommand asks the service to reconcile a layer.
type ReconcileCommand struct {
	Layer  string `json:"layer"`
	Policy Policy `json:"policy,omitempty"`
}

// CommandHandler is called for each reconcile command received over MQTT.
type CommandHandler func(cmd ReconcileCommand)

// MQTTClient manages the broker connection used for notifications and commands.
type MQTTClient struct {
	client      mqtt.Client
	prefix      string
	handler     CommandHandler
	log         zerolog.Logger
	isConnected bool
	mu          sync.RWMutex
}

// publishPrefix resolves the topic prefix: env, then config, then "geomfix".
func publishPrefix(cfg MQTTConfig) string {
	if p := os.Getenv("MQTT_PUBLISH_PREFIX"); p != "" {
		return p
	}
	if cfg.PublishPrefix != "" {
		return cfg.PublishPrefix
	}
	return "geomfix"
}

// ConnectMQTT creates an MQTT client and connects in the background.
// If neither MQTT_BROKER nor cfg.Broker is set, MQTT is disabled and this
// returns nil. handler may be nil, in which case no command topic is
// subscribed.
func ConnectMQTT(cfg MQTTConfig, handler CommandHandler, log zerolog.Logger) *MQTTClient {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" {
		broker = cfg.Broker
	}
	if broker == "" {
		log.Info().Msg("MQTT disabled: no broker configured")
		return nil
	}

	c := &MQTTClient{
		prefix:  publishPrefix(cfg),
		handler: handler,
		log:     log.With().Str("component", "mqtt").Logger(),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" {
		clientID = cfg.ClientID
	}
	if clientID == "" {
		clientID = "geomfix"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" {
		username = cfg.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" {
			password = cfg.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	go c.connectWithRetry()
	return c
}

// newMQTTClientWithMock wraps an existing mqtt.Client (used with mocks in tests).
func newMQTTClientWithMock(client mqtt.Client, prefix string, handler CommandHandler) *MQTTClient {
	return &MQTTClient{client: client, prefix: prefix, handler: handler, log: zerolog.Nop()}
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.log.Debug().Msg("connecting to MQTT broker")
		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.log.Info().Msg("connected to MQTT broker")
				c.setConnected(true)
				return
			}
			c.log.Warn().Err(token.Error()).Msg("MQTT connection failed")
		} else {
			c.log.Warn().Msg("MQTT connection timeout")
		}

		c.log.Info().Dur("retryIn", retryDelay).Msg("retrying MQTT connection")
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// CommandTopic is the topic reconcile commands arrive on.
func (c *MQTTClient) CommandTopic() string {
	return c.prefix + "/reconcile/set"
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	if c.handler == nil {
		return
	}
	topic := c.CommandTopic()
	token := client.Subscribe(topic, 1, c.handleCommand)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		c.log.Error().Err(token.Error()).Str("topic", topic).Msg("subscribe failed")
		return
	}
	c.log.Info().Str("topic", topic).Msg("subscribed to reconcile commands")
}

// onConnectionLost is called when the MQTT connection is lost.
// Auto-reconnect is enabled, so this is typically a transient event.
func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	c.log.Warn().Err(err).Msg("MQTT connection interrupted, auto-reconnect will retry")
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(mqtt.Client, *mqtt.ClientOptions) {
	c.log.Debug().Msg("MQTT reconnecting")
}

// handleCommand accepts either {"layer": "...", "policy": "..."} or a bare layer name.
func (c *MQTTClient) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	var cmd ReconcileCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		cmd = ReconcileCommand{Layer: strings.Trim(strings.TrimSpace(string(payload)), `"`)}
	}
	if cmd.Layer == "" {
		c.log.Warn().Str("topic", msg.Topic()).Msg("reconcile command without layer, skipping")
		return
	}
	policy, err := ParsePolicy(string(cmd.Policy))
	if err != nil {
		c.log.Warn().Err(err).Str("layer", cmd.Layer).Msg("reconcile command rejected")
		return
	}
	cmd.Policy = policy
	c.log.Info().Str("layer", cmd.Layer).Str("policy", string(policy)).Msg("reconcile command received")
	c.handler(cmd)
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// WaitConnected polls the connection state until it is up or timeout expires.
func (c *MQTTClient) WaitConnected(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for !c.IsConnected() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
	return true
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Client returns the underlying MQTT client for publishing.
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}

// Prefix returns the topic prefix.
func (c *MQTTClient) Prefix() string {
	return c.prefix
}
