package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	configpkg "github.com/drblury/hookrelay/internal/runtime/config"
	errspkg "github.com/drblury/hookrelay/internal/runtime/errors"
	"github.com/drblury/hookrelay/internal/runtime/fanout"
	"github.com/drblury/hookrelay/internal/runtime/gateway"
	loggingpkg "github.com/drblury/hookrelay/internal/runtime/logging"
	metricspkg "github.com/drblury/hookrelay/internal/runtime/metrics"
	"github.com/drblury/hookrelay/internal/runtime/registry"
	"github.com/drblury/hookrelay/internal/runtime/webhook"
	transportpkg "github.com/drblury/hookrelay/transport"
	_ "github.com/drblury/hookrelay/transport/transports"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

const (
	shutdownTimeout     = 5 * time.Second
	handlerStartTimeout = 10 * time.Second
)

// Dependencies holds optional collaborators that replace the configured
// backends. Leave fields nil to build them from the configuration.
type Dependencies struct {
	Store        registry.Store
	Ledger       webhook.Ledger
	HTTPClient   *http.Client
	Registerer   prometheus.Registerer
	TypeSelector gateway.TypeSelector
	Transports   *transportpkg.Registry
	Hooks        JobHooks

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	ErrorClassifier           ErrorClassifier
}

// Service wires the transports, the watermill router and the components of
// every configured role.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	stream     transportpkg.Transport
	queue      transportpkg.Transport
	queueCaps  transportpkg.Capabilities
	router     *message.Router
	metrics    *metricspkg.Metrics
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	redis      redis.UniversalClient

	registry   *registry.Registry
	fanout     *fanout.Publisher
	gateway    *gateway.Gateway
	dispatcher *webhook.Dispatcher
	sample     *SampleProducer

	handlers        []*registeredHandler
	handlersMu      sync.RWMutex
	errorClassifier ErrorClassifier

	runCtx context.Context
	runMu  sync.Mutex

	httpServers   map[int]chi.Router
	httpServersMu sync.Mutex

	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// NewService validates conf and builds the components of its roles. Call
// Start to run it and Close to release its connections.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps Dependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}

	log.Info("Creating hookrelay service", loggingpkg.LogFields{
		"roles":            conf.Roles,
		"stream_transport": conf.StreamTransport,
		"queue_transport":  conf.QueueTransport,
		"config":           conf.String(),
	})

	s := &Service{
		Conf:            conf,
		Logger:          log,
		errorClassifier: deps.ErrorClassifier,
	}
	if err := s.build(ctx, deps); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context, deps Dependencies) error {
	wmLogger := loggingpkg.NewWatermillAdapter(s.Logger)

	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	s.registerer = registerer
	if g, ok := registerer.(prometheus.Gatherer); ok {
		s.gatherer = g
	} else {
		s.gatherer = prometheus.DefaultGatherer
	}
	s.metrics = metricspkg.New(registerer)
	if s.Conf.MetricsEnabled {
		if err := s.metrics.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	if err := s.buildTransports(ctx, deps, wmLogger); err != nil {
		return err
	}

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return err
	}

	s.logBackends()
	if s.Conf.HasRole(configpkg.RoleAPI) {
		if err := s.buildAPI(ctx, deps); err != nil {
			return err
		}
	}
	if s.Conf.HasRole(configpkg.RoleDispatcher) {
		if err := s.buildDispatcher(ctx, deps); err != nil {
			return err
		}
	}
	if s.Conf.HasRole(configpkg.RoleGateway) {
		if err := s.buildGateway(deps); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) buildTransports(ctx context.Context, deps Dependencies, wmLogger watermill.LoggerAdapter) error {
	transports := deps.Transports
	if transports == nil {
		transports = transportpkg.DefaultRegistry
	}

	queue, err := transports.Build(ctx, s.Conf.QueueTransport, s.Conf, wmLogger)
	if err != nil {
		return fmt.Errorf("build queue transport %q: %w", s.Conf.QueueTransport, err)
	}
	s.queue = queue
	s.queueCaps = transports.GetCapabilities(s.Conf.QueueTransport)
	s.closers = append(s.closers, queue.Close)

	if !s.Conf.HasRole(configpkg.RoleGateway) {
		return nil
	}
	stream, err := transports.Build(ctx, s.Conf.StreamTransport, s.Conf, wmLogger)
	if err != nil {
		return fmt.Errorf("build stream transport %q: %w", s.Conf.StreamTransport, err)
	}
	s.stream = stream
	s.closers = append(s.closers, stream.Close)
	return nil
}

func (s *Service) buildAPI(ctx context.Context, deps Dependencies) error {
	store := deps.Store
	if store == nil {
		var err error
		if store, err = s.buildStore(ctx); err != nil {
			return err
		}
	}
	s.registry = registry.New(store)

	pub, err := fanout.New(s.queue.Publisher, s.registry, fanout.Config{
		Source:            s.Conf.EventSource,
		EventType:         s.Conf.EventType,
		DestinationSuffix: s.Conf.DestinationSuffix,
	}, s.Logger, s.metrics)
	if err != nil {
		return fmt.Errorf("create fan-out publisher: %w", err)
	}
	s.fanout = pub
	s.mountAPI(s.mux(s.Conf.APIPort))
	return nil
}

func (s *Service) buildDispatcher(ctx context.Context, deps Dependencies) error {
	ledger := deps.Ledger
	if ledger == nil {
		var err error
		if ledger, err = s.buildLedger(ctx); err != nil {
			return err
		}
	}

	opts := []webhook.Option{
		webhook.WithLedger(ledger),
		webhook.WithMetrics(s.metrics),
		webhook.WithDeadLetterPublisher(s.queue.Publisher),
	}
	if deps.HTTPClient != nil {
		opts = append(opts, webhook.WithHTTPClient(deps.HTTPClient))
	}

	d, err := webhook.New(webhook.Config{
		Timeout:         s.Conf.WebhookTimeout,
		MaxAttempts:     s.Conf.WebhookMaxAttempts,
		InitialInterval: s.Conf.WebhookInitialInterval,
		MaxInterval:     s.Conf.WebhookMaxInterval,
		LaneBuffer:      s.Conf.LaneBuffer,
		LaneIdleTimeout: s.Conf.LaneIdleTimeout,
		DeadLetterQueue: s.Conf.DeadLetterQueue,
		NackOnFullLane:  s.queueCaps.SupportsNack,
	}, s.Logger, opts...)
	if err != nil {
		return fmt.Errorf("create webhook dispatcher: %w", err)
	}
	s.dispatcher = d

	for _, topic := range s.Conf.DispatchTopics {
		if err := s.EnsureDispatchTopic(ctx, topic); err != nil {
			return err
		}
	}
	if s.Conf.GatewayOutputQueue != "" {
		return s.addDispatchQueue(ctx, s.Conf.GatewayOutputQueue)
	}
	return nil
}

func (s *Service) buildGateway(deps Dependencies) error {
	var opts []gateway.Option
	if deps.TypeSelector != nil {
		opts = append(opts, gateway.WithTypeSelector(deps.TypeSelector))
	}

	g, err := gateway.New(s.queue.Publisher, gateway.Config{
		Source:            s.Conf.GatewaySource,
		DestinationSuffix: s.Conf.DestinationSuffix,
		OutputQueue:       s.Conf.GatewayOutputQueue,
	}, s.Logger, opts...)
	if err != nil {
		return fmt.Errorf("create ingest gateway: %w", err)
	}
	s.gateway = g

	publishQueue := s.Conf.GatewayOutputQueue
	if publishQueue == "" {
		publishQueue = fanout.Destination("{topic}", s.Conf.DestinationSuffix)
	}
	if err := s.registerHandler(handlerRegistration{
		Name:         "gateway:" + s.Conf.IngestTopic,
		Role:         configpkg.RoleGateway,
		ConsumeQueue: s.Conf.IngestTopic,
		PublishQueue: publishQueue,
		Subscriber:   s.stream.Subscriber,
		Handler:      g.Consume,
	}); err != nil {
		return err
	}

	if s.Conf.SampleInterval > 0 {
		var topic string
		if len(s.Conf.DispatchTopics) > 0 {
			topic = s.Conf.DispatchTopics[0]
		}
		s.sample = NewSampleProducer(s.stream.Publisher, SampleConfig{
			Topic:       s.Conf.IngestTopic,
			Source:      s.Conf.EventSource,
			CallbackURL: s.Conf.SampleCallbackURL,
			SubscribeOn: topic,
			Secret:      s.Conf.SampleSecret,
			Interval:    s.Conf.SampleInterval,
		}, s.Logger)
	}
	return nil
}

// EnsureDispatchTopic starts consuming the subscriber queue of topic when
// the dispatcher role runs in this process. Once the service is running it
// returns only after the queue is subscribed, or when ctx is done. Calling
// it again for the same topic is a no-op.
func (s *Service) EnsureDispatchTopic(ctx context.Context, topic string) error {
	if s.dispatcher == nil || topic == "" {
		return nil
	}
	return s.addDispatchQueue(ctx, fanout.Destination(topic, s.Conf.DestinationSuffix))
}

func (s *Service) addDispatchQueue(ctx context.Context, queue string) error {
	name := "dispatch:" + queue
	err := s.registerHandler(handlerRegistration{
		Name:         name,
		Role:         configpkg.RoleDispatcher,
		ConsumeQueue: queue,
		Subscriber:   s.queue.Subscriber,
		Handler:      s.dispatcher.Consume,
	})
	if err != nil && !errors.Is(err, errHandlerExists) {
		return err
	}

	s.runMu.Lock()
	runCtx := s.runCtx
	s.runMu.Unlock()
	if runCtx == nil {
		// Router.Run subscribes every handler added before Start.
		return nil
	}
	return s.startAddedHandler(ctx, runCtx, name)
}

// startAddedHandler subscribes handlers added after Start and waits until
// name is consuming.
func (s *Service) startAddedHandler(ctx, runCtx context.Context, name string) error {
	handler := s.routerHandler(name)
	if handler == nil {
		return fmt.Errorf("handler %q is not registered", name)
	}

	ctx, cancel := context.WithTimeout(ctx, handlerStartTimeout)
	defer cancel()

	select {
	case <-handler.Started():
		return nil
	case <-s.router.Running():
	case <-runCtx.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for router to run handler %q: %w", name, ctx.Err())
	}

	if err := s.router.RunHandlers(runCtx); err != nil {
		return fmt.Errorf("start handler %q: %w", name, err)
	}

	select {
	case <-handler.Started():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for handler %q to subscribe: %w", name, ctx.Err())
	}
}

// Start runs the HTTP servers, the sample producer and the router until ctx
// is cancelled.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.runMu.Lock()
	s.runCtx = ctx
	s.runMu.Unlock()

	s.StartWebUIServer()
	s.StartMetricsServer()
	servers := s.startHTTPServers()

	if s.sample != nil {
		go s.sample.Run(ctx)
	}

	var err error
	if s.gateway != nil || s.dispatcher != nil {
		err = routerRun(s.router, ctx)
	} else {
		<-ctx.Done()
	}
	cancel()
	s.shutdownHTTPServers(servers)
	return err
}

// Running is closed once the router has started its handlers.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

// Close stops the router, drains webhook lanes and closes every connection.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.router != nil {
			errs = append(errs, s.router.Close())
		}
		if s.dispatcher != nil {
			errs = append(errs, s.dispatcher.Close())
		}
		for i := len(s.closers) - 1; i >= 0; i-- {
			errs = append(errs, s.closers[i]())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Registry returns the subscription registry, or nil without the api role.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Publisher returns the fan-out publisher, or nil without the api role.
func (s *Service) Publisher() *fanout.Publisher { return s.fanout }

// Gateway returns the ingest gateway, or nil without the gateway role.
func (s *Service) Gateway() *gateway.Gateway { return s.gateway }

// Dispatcher returns the webhook dispatcher, or nil without the dispatcher role.
func (s *Service) Dispatcher() *webhook.Dispatcher { return s.dispatcher }

// Metrics returns the delivery metrics.
func (s *Service) Metrics() *metricspkg.Metrics { return s.metrics }

// Trigger publishes the sample event to every active subscription.
func (s *Service) Trigger(ctx context.Context) (fanout.Result, error) {
	if s.fanout == nil {
		return fanout.Result{}, errspkg.ErrRegistryRequired
	}
	return s.fanout.Trigger(ctx)
}

func (s *Service) mux(port int) chi.Router {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]chi.Router)
	}
	r, ok := s.httpServers[port]
	if !ok {
		r = chi.NewRouter()
		s.httpServers[port] = r
	}
	return r
}

// RegisterHTTPHandler serves handler on pattern at port next to the
// built-in endpoints.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.mux(port).Handle(pattern, handler)
}

func (s *Service) startHTTPServers() []*http.Server {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	servers := make([]*http.Server, 0, len(s.httpServers))
	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}(srv)
	}
	return servers
}

func (s *Service) shutdownHTTPServers(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			s.Logger.Error("Failed to shut down HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
		}
	}
}
