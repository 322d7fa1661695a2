package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/Shopify/sarama"
	"github.com/habitproof/chatsync/internal/realtime"
	"github.com/habitproof/chatsync/internal/server"
	storage "github.com/habitproof/chatsync/internal/storages"
	usecase "github.com/habitproof/chatsync/internal/usecases"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	"net"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func initLogger(level string) *logrus.Logger {

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		PrettyPrint: true,
	})

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logger.SetLevel(logrus.InfoLevel)
		logger.
			WithField("log_level", level).
			Warning("specified invalid log level")
	} else {
		logger.SetLevel(logLevel)
		logger.
			WithField("log_level", level).
			Infof("specified %s log level", logLevel.String())
	}

	return logger
}

func initDB(dsn string, logger *logrus.Logger) *sqlx.DB {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		logger.Fatalf("can't connect to database: %s", err.Error())
	}

	err = db.Ping()

	if err != nil {
		logger.Fatalf("database ping failed: %s", err.Error())
	}

	logger.Info("successfully connected to database")
	return db
}

func kafkaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Timeout = 10 * time.Second
	config.Producer.Return.Successes = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Offsets.AutoCommit.Enable = false
	return config
}

func kafkaBrokers(logger *logrus.Logger) []string {
	brokers := viper.GetString("KAFKA_BROKERS")
	if len(brokers) == 0 {
		logger.Fatal("KAFKA_BROKERS environment variable must be defined")
	}
	return strings.Split(brokers, ",")
}

func initProducer(logger *logrus.Logger) sarama.SyncProducer {
	producer, err := sarama.NewSyncProducer(kafkaBrokers(logger), kafkaConfig())

	if err != nil {
		logger.WithError(err).Fatalf("can't create producer")
	}

	return producer
}

func initConsumer(logger *logrus.Logger) sarama.Consumer {
	consumer, err := sarama.NewConsumer(kafkaBrokers(logger), kafkaConfig())

	if err != nil {
		logger.WithError(err).Fatalf("can't create consumer")
	}

	return consumer
}

func main() {
	viper.AutomaticEnv()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var host string
	var port int
	var logLevel string

	flag.IntVar(&port, "port", 80, "port on which server will be started")
	flag.StringVar(&host, "host", "0.0.0.0", "host on which server will be started")
	flag.StringVar(&logLevel, "log", "info", "log level")

	flag.Parse()

	logger := initLogger(logLevel)

	db := initDB(viper.GetString("DB_DSN"), logger)
	defer func(db *sqlx.DB) {
		err := db.Close()
		if err != nil {
			logger.Errorf("during db connection close an error occurred: %s", err.Error())
		}
	}(db)

	producer := initProducer(logger)
	consumer := initConsumer(logger)

	topic := viper.GetString("UPDATES_TOPIC")
	if topic == "" {
		logger.Fatal("UPDATES_TOPIC environment variable must be defined")
	}

	secret := viper.GetString("JWT_SECRET")
	if secret == "" {
		logger.Fatal("JWT_SECRET environment variable must be defined")
	}

	store := storage.NewRegistry(db, producer, &storage.UpdatesStoreConfig{
		UpdatesTopic: topic,
	})

	feed := realtime.NewUpdatesFeed(consumer, topic, logger)
	broker := realtime.NewBroker(logger)
	go feed.Run(ctx)
	go broker.Run(ctx, feed.Updates(), feed.Resubscribed())

	gateway := server.NewGateway(
		server.NewJWTVerifier(secret),
		store.GetConversationsStore(),
		broker,
		usecase.NewMessagesUsecase(store),
		usecase.NewConversationsUsecase(store),
		logger,
	)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	address := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{
		Addr:        address,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	osSignal := make(chan os.Signal, 1)
	signal.Notify(osSignal,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	go func(ctx context.Context) {
		select {
		case sig := <-osSignal:
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			stop()
			logger.Infof("%s caught. Gracefully shutdown", sig.String())
		case <-ctx.Done():
			return
		}
	}(ctx)

	logger.Infof("start listening on %s", address)
	err := srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		logger.Fatalf("http serving error: %s", err.Error())
	}
}
