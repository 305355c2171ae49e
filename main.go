package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/42wim/mxsync/bridge"
	"github.com/42wim/mxsync/bridge/matrix"
	"github.com/42wim/mxsync/config"
	"github.com/42wim/mxsync/pkg/matrixclient"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/gops/agent"
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"maunium.net/go/mautrix/id"
)

var (
	version = "0.1.0-dev"
	githash string
	logger  *logrus.Entry
)

//nolint:funlen
func main() {
	flagConfig := pflag.String("conf", "", "config file")
	flagDebug := pflag.Bool("debug", false, "enable debug logging")
	flagTrace := pflag.Bool("trace", false, "enable trace logging")
	flagGops := pflag.Bool("gops", false, "enable gops agent")
	flagVersion := pflag.Bool("version", false, "show version")
	pflag.String("metrics", "", "listen address for prometheus metrics (eg 127.0.0.1:9100)")
	pflag.Parse()

	if *flagVersion {
		fmt.Printf("version: %s %s\n", version, githash)
		return
	}

	ourlog := logrus.New()
	ourlog.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 14,
		FullTimestamp: true,
	})
	logger = ourlog.WithFields(logrus.Fields{"prefix": "main"})

	v, err := config.LoadConfig(*flagConfig)
	if err != nil {
		logger.Fatal(err)
	}

	_ = v.BindPFlag("debug", pflag.Lookup("debug"))
	_ = v.BindPFlag("trace", pflag.Lookup("trace"))
	_ = v.BindPFlag("metrics.listen", pflag.Lookup("metrics"))

	if *flagDebug || v.GetBool("debug") {
		logger.Info("enabling debug")
		ourlog.SetLevel(logrus.DebugLevel)
	}

	if *flagTrace || v.GetBool("trace") {
		logger.Info("enabling trace")
		ourlog.SetLevel(logrus.TraceLevel)
		ourlog.SetReportCaller(true)
	}

	config.Logger = ourlog.WithFields(logrus.Fields{"prefix": "config"})
	matrix.SetLogger(ourlog.WithFields(logrus.Fields{"prefix": "bridge/matrix"}))
	matrixclient.SetLogger(ourlog.WithFields(logrus.Fields{"prefix": "matrixclient"}))

	if *flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			logger.Error(err)
		}
	}

	settings, err := config.Parse(v)
	if err != nil {
		logger.Fatal(err)
	}

	if settings.MetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Infof("serving metrics on %s", settings.MetricsListen)

			if err := http.ListenAndServe(settings.MetricsListen, mux); err != nil { //nolint:gosec
				logger.Errorf("metrics listener: %s", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, settings, v); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal(err)
	}

	logger.Info("shutting down")
}

func run(ctx context.Context, settings *config.Settings, v *viper.Viper) error {
	client, err := matrixclient.New(&matrixclient.Credentials{
		Server:      settings.Server,
		AccessToken: settings.Token,
		UserID:      id.UserID(settings.UserID),
		DeviceID:    id.DeviceID(settings.DeviceID),
		Login:       settings.Login,
		Password:    settings.Password,
		Insecure:    settings.Insecure,
		ClientCert:  settings.ClientCert,
		ClientKey:   settings.ClientKey,
	})
	if err != nil {
		return err
	}

	if settings.Token == "" {
		logger.Infof("logging in as %s on %s", settings.Login, settings.Server)

		if err := client.Login(ctx); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		v.Set("matrix.deviceid", client.DeviceID.String())
	}

	cache, err := matrix.OpenBoltCache(settings.CachePath)
	if err != nil {
		return err
	}
	defer cache.Close()

	eventChan := make(chan *bridge.Event, 1000)

	session, err := matrix.New(v, client, cache, eventChan)
	if err != nil {
		return err
	}

	go logEvents(eventChan)

	logger.Infof("syncing as %s", session.Me())

	return session.Run(ctx)
}

// logEvents stands in for a UI: it prints every signal of the session.
func logEvents(eventChan chan *bridge.Event) {
	for ev := range eventChan {
		switch data := ev.Data.(type) {
		case *bridge.RoomsEvent:
			logger.Infof("%d rooms (cleared: %t)", len(data.Rooms), data.Cleared)

			for _, room := range data.Rooms {
				logger.Debugf("room %s %q %s", room.ID, room.Name, room.Membership)
			}
		case *bridge.MessageEvent:
			logger.Infof("[%s] <%s> %s", data.RoomID, data.Sender.DisplayName, data.Preview)
		case *bridge.SyncFailedEvent:
			logger.Warnf("sync failed (retry %d after %s): %s", data.Retry, data.Wait, data.Error)
		case *bridge.SendFailedEvent:
			logger.Warnf("send to %s failed, retrying in %s: %s", data.RoomID, data.Wait, data.Error)
		case *bridge.JoinFailedEvent:
			logger.Warnf("joining %s failed: %s", data.Target, data.Error)
		case *bridge.ActiveRoomLeftEvent:
			logger.Warnf("left active room %s: %s", data.RoomID, data.Reason)
		default:
			logger.Debugf("%s: %s", ev.Type, spew.Sdump(ev.Data))
		}
	}
}
