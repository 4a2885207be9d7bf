package footprint

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// connectAttempts bounds how long a run waits for the broker before it
// carries on without progress publishing.
const connectAttempts = 3

// ConnectMQTT connects to the broker named in cfg. It returns nil when no
// broker is configured or the broker cannot be reached, and the run goes on
// without progress messages.
func ConnectMQTT(cfg MQTTConfig) mqtt.Client {
	if cfg.Broker == "" {
		Logf("MQTT disabled: MQTT_BROKER not set")
		return nil
	}
	return connectWithRetry(mqtt.NewClient(mqttOptions(cfg)), connectAttempts, time.Second)
}

func mqttOptions(cfg MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "roofmesh"
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true) // progress messages arrive in tile completion order

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		Logf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		Logf("MQTT reconnecting...")
	})
	return opts
}

// connectWithRetry attempts to connect with exponential backoff, giving up
// after the given number of attempts.
func connectWithRetry(client mqtt.Client, attempts int, retryDelay time.Duration) mqtt.Client {
	for i := 1; i <= attempts; i++ {
		Logf("Connecting to MQTT broker (attempt %d/%d)...", i, attempts)

		token := client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				Logf("Successfully connected to MQTT broker")
				return client
			}
			Logf("MQTT connection failed: %v", token.Error())
		} else {
			Logf("MQTT connection timeout")
		}

		if i < attempts {
			time.Sleep(retryDelay)
			retryDelay *= 2
		}
	}
	Logf("MQTT unavailable, continuing without progress publishing")
	return nil
}

// DisconnectMQTT gracefully closes a client returned by ConnectMQTT.
func DisconnectMQTT(client mqtt.Client) {
	if client != nil && client.IsConnected() {
		Logf("Disconnecting from MQTT broker...")
		client.Disconnect(250)
	}
}
