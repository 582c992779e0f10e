package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/linkingthing/cement/log"
	csvutil "github.com/linkingthing/clxone-utils/csv"
	"github.com/linkingthing/gorest"
	"github.com/linkingthing/gorest/adaptor"
	"github.com/linkingthing/gorest/resource/schema"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	hv1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/linkingthing/clxone-homedhcp/config"
)

const (
	HealthPath = "/health"
)

var LoggerSkipPaths = []string{
	HealthPath,
}

type Server struct {
	group     *gin.RouterGroup
	router    *gin.Engine
	apiServer *gorest.Server
	health    *health.Server
}

type HandlerRegister func(*gorest.Server, gin.IRoutes) error

func (h HandlerRegister) RegisterHandler(server *gorest.Server, router gin.IRoutes) error {
	return h(server, router)
}

type WebHandler interface {
	RegisterHandler(*gorest.Server, gin.IRoutes) error
}

func NewServer() (*Server, error) {
	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = os.Stdout
	router := gin.New()
	router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: LoggerSkipPaths,
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("[%s] client:%s \"%s %s\" %s %d %s %s\n",
				param.TimeStamp.Format(csvutil.TimeFormat),
				param.ClientIP,
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
			)
		},
	}))

	router.GET(HealthPath, func(context *gin.Context) {
		context.Writer.Header().Set("Content-Type", "Application/Json")
		context.String(http.StatusOK, `{"status": "ok"}`)
	})

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", hv1.HealthCheckResponse_NOT_SERVING)
	return &Server{
		group:     router.Group("/"),
		router:    router,
		apiServer: gorest.NewAPIServer(schema.NewSchemaManager()),
		health:    healthServer,
	}, nil
}

func (s *Server) RegisterHandler(h WebHandler) error {
	return h.RegisterHandler(s.apiServer, s.router)
}

// SetServing flips the grpc health status, which stays NOT_SERVING until a
// policy snapshot is active.
func (s *Server) SetServing(serving bool) {
	status := hv1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = hv1.HealthCheckResponse_SERVING
	}

	s.health.SetServingStatus("", status)
}

// Run serves http and grpc until ctx is done or either server fails.
func (s *Server) Run(ctx context.Context, conf *config.HomeDHCPConfig) error {
	adaptor.RegisterHandler(s.group, s.apiServer, s.apiServer.Schemas.GenerateResourceRoute())
	if conf.Consul.Name != "" {
		registrars, err := registerServices(conf)
		if err != nil {
			return err
		}

		defer func() {
			for _, registrar := range registrars {
				registrar.Deregister()
			}
		}()
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", conf.Server.Port),
		Handler: s.router,
	}

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", conf.Server.GrpcPort))
	if err != nil {
		return err
	}

	grpcServer := grpc.NewServer()
	hv1.RegisterHealthServer(grpcServer, s.health)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return grpcServer.Serve(grpcListener)
	})

	g.Go(func() error {
		<-ctx.Done()
		s.health.Shutdown()
		grpcServer.GracefulStop()
		if err := httpServer.Shutdown(context.Background()); err != nil {
			log.Warnf("shutdown http server failed: %s", err.Error())
		}
		return nil
	})

	return g.Wait()
}
