package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/matchwatch/internal/runtime/config"
	errspkg "github.com/drblury/matchwatch/internal/runtime/errors"
	loggingpkg "github.com/drblury/matchwatch/internal/runtime/logging"
	transportpkg "github.com/drblury/matchwatch/internal/runtime/transport"
	brokers "github.com/drblury/matchwatch/transport"
)

const httpShutdownTimeout = 5 * time.Second

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ServiceDependencies holds the optional collaborators of a Service.
type ServiceDependencies struct {
	// Middlewares are appended after the default chain.
	Middlewares               []MiddlewareRegistration
	DisableDefaultMiddlewares bool
	TransportFactory          transportpkg.Factory
	ErrorClassifier           ErrorClassifier
	// Registerer receives the router and poison metrics. Nil means the
	// Prometheus default registerer.
	Registerer prometheus.Registerer
}

// Service wires a watermill router to the configured transport and middleware
// chain, and serves the operational HTTP endpoints.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport    transportpkg.Transport
	publisher    message.Publisher
	subscriber   message.Subscriber
	router       *message.Router
	capabilities brokers.Capabilities
	registerer   prometheus.Registerer

	handlers   []*HandlerInfo
	handlersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	errorClassifier ErrorClassifier
	poisonMetrics   *PoisonMetrics
}

// NewService builds the transport and router for conf. Register handlers on
// the returned Service before calling Start. A transport that cannot be built
// is a fatal setup error.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating event service", loggingpkg.LogFields{
		"pubsub_system": conf.GetPubSubSystem(),
		"config":        conf.String(),
	})

	s := &Service{
		Conf:            conf,
		Logger:          log,
		capabilities:    transportpkg.Capabilities(conf),
		registerer:      deps.Registerer,
		errorClassifier: deps.ErrorClassifier,
	}
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}
	if s.errorClassifier == nil {
		s.errorClassifier = defaultErrorClassifier
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	tr, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}
	s.transport = tr
	s.publisher = tr.Publisher
	s.subscriber = tr.Subscriber

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: conf.CloseTimeout}, wmLogger)
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("create router: %w", err)
	}
	s.router = router

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		_ = tr.Close()
		return nil, err
	}

	return s, nil
}

// Start serves the HTTP endpoints and runs the router until ctx is cancelled.
// In-flight handlers get up to CloseTimeout to finish.
func (s *Service) Start(ctx context.Context) error {
	s.registerStatusAPI()

	servers, err := s.listenHTTP()
	if err != nil {
		return err
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), httpShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		defer stop()
		err := routerRun(s.router, gctx)
		if closeErr := s.transport.Close(); closeErr != nil {
			s.Logger.Error("Closing transport failed", closeErr, nil)
		}
		return err
	})
	return g.Wait()
}

// Running is closed once the router has subscribed every handler.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

// Publisher returns the transport publisher for producers that run outside the
// router, like the poller.
func (s *Service) Publisher() message.Publisher {
	return s.publisher
}

// Capabilities reports the delivery guarantees of the configured transport.
func (s *Service) Capabilities() brokers.Capabilities {
	return s.capabilities
}

// Handlers returns the registered handlers sorted by name.
func (s *Service) Handlers() []*HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]*HandlerInfo, len(s.handlers))
	copy(out, s.handlers)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// RegisterHTTPHandler mounts handler on the mux served at port.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) listenHTTP() ([]*http.Server, error) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	servers := make([]*http.Server, 0, len(s.httpServers))
	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, srv := range servers {
				_ = srv.Close()
			}
			return nil, fmt.Errorf("listen on %s: %w", addr, err)
		}

		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		servers = append(servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server stopped", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}
	return servers, nil
}
