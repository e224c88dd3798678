package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldwatch_broker_state",
		Help: "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting.",
	})
	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldwatch_broker_reconnect_attempts_total",
		Help: "Total scheduled reconnect attempts, successful or not.",
	})
	connectionsLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldwatch_broker_connection_lost_total",
		Help: "Total unexpected broker disconnects.",
	})
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldwatch_broker_messages_received_total",
		Help: "Total MQTT messages delivered by the broker, by topic.",
	}, []string{"topic"})
)
