package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	osig "os/signal"
	"syscall"
	"time"

	"github.com/linkingthing/cement/log"
	"github.com/linkingthing/cement/signal"
	"golang.org/x/sync/errgroup"

	"github.com/linkingthing/clxone-homedhcp/config"
	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp"
	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/handler"
	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/service"
	"github.com/linkingthing/clxone-homedhcp/pkg/dhcpclient"
	"github.com/linkingthing/clxone-homedhcp/pkg/kafka"
	restserver "github.com/linkingthing/clxone-homedhcp/server"
)

var (
	configFile                 string
	logLevel                   string
	version, commit, buildTime string
)

func main() {
	flag.StringVar(&configFile, "c", "clxone-homedhcp.conf", "configure file path")
	flag.StringVar(&logLevel, "l", "info", "log level")
	flag.Parse()

	fmt.Printf("build version:%s commit:%s time:%s\n", version, commit, buildTime)
	log.InitLogger(log.LogLevel(logLevel))

	conf, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("load config file failed: %s", err.Error())
	}

	if err := runServer(signal.WithSignal(context.Background()), conf); err != nil {
		log.Fatalf("run server failed: %s", err.Error())
	}
}

func runServer(ctx context.Context, conf *config.HomeDHCPConfig) error {
	g, ctx := errgroup.WithContext(ctx)

	var opts []service.AllocatorOption
	if conf.DHCP.DeclineTimeout > 0 {
		opts = append(opts, service.WithDeclineTimeout(conf.DHCP.DeclineTimeout))
	}

	if len(conf.Kafka.Addrs) != 0 {
		leaseEvents := kafka.NewLeaseEventService(conf.Kafka)
		opts = append(opts, service.WithPublisher(leaseEvents))
		g.Go(func() error {
			return leaseEvents.Run(ctx)
		})
	}

	allocator := service.NewLeaseAllocator(conf.DHCP.OfferTimeout, opts...)
	snapshots := service.NewSnapshotHolder(nil)
	if _, err := snapshots.ReloadFile(conf.DHCP.PolicyFile); err != nil {
		log.Warnf("no policy snapshot is active, requests are dropped until %s is fixed and reloaded",
			conf.DHCP.PolicyFile)
	}

	dhcpService := service.NewDHCPService(snapshots, allocator, conf.DHCP.DefaultLeaseTime)
	server, err := restserver.NewServer()
	if err != nil {
		return fmt.Errorf("new server failed: %s", err.Error())
	}

	if err := server.RegisterHandler(dhcp.NewHandler(dhcpService)); err != nil {
		return fmt.Errorf("register dhcp handler failed: %s", err.Error())
	}

	server.SetServing(snapshots.Load() != nil)
	g.Go(func() error {
		return server.Run(ctx, conf)
	})

	for _, listener := range conf.DHCP.Listeners {
		if conf.DHCP.ProbeServers {
			probeServers(ctx, listener.Interface, conf.DHCP.ProbeTimeout)
		}

		dhcpServer, err := handler.NewDHCPServer(listener, dhcpService)
		if err != nil {
			return fmt.Errorf("invalid listener %s: %s", listener.Interface, err.Error())
		}

		g.Go(func() error {
			return dhcpServer.Run(ctx)
		})
	}

	g.Go(func() error {
		reloadOnHangup(ctx, snapshots, conf.DHCP.PolicyFile, server)
		return nil
	})

	g.Go(func() error {
		sweepLeases(ctx, allocator, conf.DHCP.SweepInterval)
		return nil
	})

	return g.Wait()
}

// probeServers warns about other dhcp servers answering on the interface,
// it runs before our own listener is up so every offer is foreign.
func probeServers(ctx context.Context, iface string, timeout time.Duration) {
	prober, err := dhcpclient.NewProber(iface, timeout)
	if err != nil {
		log.Warnf("probe dhcp servers on %s failed: %s", iface, err.Error())
		return
	}

	servers, err := prober.Probe(ctx)
	if err != nil {
		log.Warnf("probe dhcp servers on %s failed: %s", iface, err.Error())
	}

	for _, server := range servers {
		log.Warnf("found another dhcp server %s on %s", server, iface)
	}
}

func reloadOnHangup(ctx context.Context, snapshots *service.SnapshotHolder, policyFile string, server *restserver.Server) {
	ch := make(chan os.Signal, 1)
	osig.Notify(ch, syscall.SIGHUP)
	defer osig.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if _, err := snapshots.ReloadFile(policyFile); err == nil {
				server.SetServing(true)
			}
		}
	}
}

func sweepLeases(ctx context.Context, allocator *service.LeaseAllocator, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := allocator.Sweep(); len(expired) != 0 {
				log.Infof("%d leases expired", len(expired))
			}
		}
	}
}
