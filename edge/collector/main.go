package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alimk/fieldwatch/pkg/ingest"
	"github.com/alimk/fieldwatch/pkg/models"
)

var version = "dev"

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

var (
	publishSuccess = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldwatch_collector_publish_success_total",
		Help: "Messages successfully published to MQTT, by topic.",
	}, []string{"topic"})
	publishFailure = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldwatch_collector_publish_failure_total",
		Help: "Publish attempts that returned an error, by topic.",
	}, []string{"topic"})
	publishTimeout = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldwatch_collector_publish_timeout_total",
		Help: "Publish attempts that timed out waiting for ack, by topic.",
	}, []string{"topic"})
)

type config struct {
	broker          string
	username        string
	password        string
	clientID        string
	topics          ingest.Topics
	metricsAddr     string
	publishInterval time.Duration
	// Every n-th tick also sends a full system report and a detection.
	systemEvery    int
	detectionEvery int
	latitude       float64
	longitude      float64
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		logger.Warn("invalid integer setting, using default", "key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return n
}

func getEnvFloat(key string, defaultVal float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warn("invalid float setting, using default", "key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return f
}

func newConfig() config {
	intervalRaw := getEnv("PUBLISH_INTERVAL", "10s")
	interval, err := time.ParseDuration(intervalRaw)
	if err != nil || interval <= 0 {
		logger.Warn("invalid PUBLISH_INTERVAL, using default 10s", "value", intervalRaw)
		interval = 10 * time.Second
	}
	t := ingest.DefaultTopics()
	return config{
		broker:   getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		username: getEnv("MQTT_USERNAME", ""),
		password: getEnv("MQTT_PASSWORD", ""),
		clientID: getEnv("MQTT_CLIENT_ID", "fieldwatch-station-"+uuid.NewString()[:8]),
		topics: ingest.Topics{
			Environmental: getEnv("TOPIC_ENVIRONMENTAL", t.Environmental),
			System:        getEnv("TOPIC_SYSTEM", t.System),
			Detection:     getEnv("TOPIC_DETECTION", t.Detection),
			CPU:           getEnv("TOPIC_CPU", t.CPU),
			RAM:           getEnv("TOPIC_RAM", t.RAM),
			Storage:       getEnv("TOPIC_STORAGE", t.Storage),
		},
		metricsAddr:     getEnv("METRICS_ADDR", ":9090"),
		publishInterval: interval,
		systemEvery:     getEnvInt("SYSTEM_EVERY", 6),
		detectionEvery:  getEnvInt("DETECTION_EVERY", 30),
		latitude:        getEnvFloat("STATION_LATITUDE", -6.5944),
		longitude:       getEnvFloat("STATION_LONGITUDE", 106.7892),
	}
}

// outbound is one message the station wants to publish.
type outbound struct {
	topic   string
	payload any
}

// station simulates the sensors and the detection camera of one trap.
type station struct {
	cfg   config
	rng   *rand.Rand
	tick  int
	pests int
}

func newStation(cfg config, rng *rand.Rand) *station {
	return &station{cfg: cfg, rng: rng}
}

func (s *station) between(lo, hi float64) *float64 {
	return models.Ptr(lo + s.rng.Float64()*(hi-lo))
}

// next returns the messages for one publish tick. Every tick carries an
// environmental reading and the three sub-reports; full system reports and
// detections come less often.
func (s *station) next() []outbound {
	s.tick++
	t := s.cfg.topics

	// TODO: read the trap counter over serial once the field hardware exposes it.
	if s.rng.Intn(4) == 0 {
		s.pests += s.rng.Intn(3)
	}

	out := []outbound{
		{t.Environmental, models.EnvironmentalPayload{
			Temperature:  s.between(22, 34),
			Humidity:     s.between(60, 95),
			Rainfall:     s.between(0, 5),
			Thunder:      models.Ptr(s.rng.Intn(2)),
			PestCount:    models.Ptr(s.pests),
			CPUUsage:     s.between(5, 60),
			Status:       models.Ptr(models.DefaultStatus),
			Latitude:     models.Ptr(s.cfg.latitude),
			Longitude:    models.Ptr(s.cfg.longitude),
			BatteryLevel: s.between(40, 100),
		}},
		{t.CPU, models.CPUReport{CPUPercent: s.between(5, 60), CPUTemp: s.between(40, 70)}},
		{t.RAM, models.RAMReport{RAMPercent: s.between(20, 80), RAMUsedGB: s.between(0.5, 3), RAMTotalGB: models.Ptr(4.0)}},
		{t.Storage, models.StorageReport{StoragePercent: s.between(30, 70), StorageUsedGB: s.between(10, 20), StorageTotalGB: models.Ptr(32.0)}},
	}

	if s.tick%s.cfg.systemEvery == 0 {
		out = append(out, outbound{t.System, models.SystemPayload{
			CPUPercent:     s.between(5, 60),
			RAMPercent:     s.between(20, 80),
			StoragePercent: s.between(30, 70),
			NetworkSentMB:  models.Ptr(float64(s.tick) * 0.8),
			NetworkRecvMB:  models.Ptr(float64(s.tick) * 1.3),
			Load1Min:       s.between(0, 2),
			Load5Min:       s.between(0, 2),
			Load15Min:      s.between(0, 2),
			Status:         models.Ptr(models.DefaultStatus),
		}})
	}

	if s.tick%s.cfg.detectionEvery == 0 {
		brown := s.rng.Intn(s.pests + 1)
		out = append(out, outbound{t.Detection, models.DetectionPayload{
			TotalDetections: models.Ptr(s.pests),
			ClassCounts:     map[string]int{"wereng_coklat": brown, "wereng_hijau": s.pests - brown},
			GrowthStage:     models.Ptr(models.DefaultGrowthStage),
			ImagePath:       models.Ptr(fmt.Sprintf("/captures/%d.jpg", s.tick)),
			Latitude:        models.Ptr(s.cfg.latitude),
			Longitude:       models.Ptr(s.cfg.longitude),
		}})
	}
	return out
}

func newMQTTClient(cfg config) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.broker).
		SetClientID(cfg.clientID).
		SetUsername(cfg.username).
		SetPassword(cfg.password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(_ mqtt.Client) {
			logger.Info("connected to MQTT broker", "broker", cfg.broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost, reconnecting", "error", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("MQTT connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect failed: %w", err)
	}
	return client, nil
}

func publish(client mqtt.Client, msg outbound) {
	payload, err := json.Marshal(msg.payload)
	if err != nil {
		logger.Error("failed to marshal payload", "topic", msg.topic, "error", err)
		return
	}
	token := client.Publish(msg.topic, 1, false, payload)
	if ok := token.WaitTimeout(3 * time.Second); !ok {
		logger.Warn("publish timed out", "topic", msg.topic)
		publishTimeout.WithLabelValues(msg.topic).Inc()
		return
	}
	if err := token.Error(); err != nil {
		logger.Error("publish failed", "topic", msg.topic, "error", err)
		publishFailure.WithLabelValues(msg.topic).Inc()
		return
	}
	logger.Debug("published", "topic", msg.topic, "bytes", len(payload))
	publishSuccess.WithLabelValues(msg.topic).Inc()
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Probe the metrics server and exit 0/1.")
	flag.Parse()

	if *healthcheck {
		conn, err := net.DialTimeout("tcp", "localhost:9090", 3*time.Second)
		if err != nil {
			os.Exit(1)
		}
		conn.Close()
		os.Exit(0)
	}

	cfg := newConfig()
	st := newStation(cfg, rand.New(rand.NewSource(time.Now().UnixNano())))

	logger.Info("starting field station simulator",
		"version", version,
		"broker", cfg.broker,
		"client_id", cfg.clientID,
		"publish_interval", cfg.publishInterval.String(),
		"topics", cfg.topics.All(),
	)

	metricsSrv := startMetricsServer(cfg.metricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := newMQTTClient(cfg)
	if err != nil {
		logger.Error("initial MQTT connect failed, shutting down", "error", err)
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutCtx)
		return
	}

	ticker := time.NewTicker(cfg.publishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down simulator")
			client.Disconnect(500)
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutCtx)
			return

		case <-ticker.C:
			for _, msg := range st.next() {
				publish(client, msg)
			}
		}
	}
}
