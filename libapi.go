package hookrelay

import (
	runtimepkg "github.com/drblury/hookrelay/internal/runtime"
	ce "github.com/drblury/hookrelay/internal/runtime/cloudevents"
	"github.com/drblury/hookrelay/internal/runtime/codec"
	configpkg "github.com/drblury/hookrelay/internal/runtime/config"
	"github.com/drblury/hookrelay/internal/runtime/domain"
	errspkg "github.com/drblury/hookrelay/internal/runtime/errors"
	"github.com/drblury/hookrelay/internal/runtime/fanout"
	"github.com/drblury/hookrelay/internal/runtime/gateway"
	idspkg "github.com/drblury/hookrelay/internal/runtime/ids"
	"github.com/drblury/hookrelay/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/hookrelay/internal/runtime/logging"
	metricspkg "github.com/drblury/hookrelay/internal/runtime/metrics"
	"github.com/drblury/hookrelay/internal/runtime/registry"
	"github.com/drblury/hookrelay/internal/runtime/webhook"
	"github.com/drblury/hookrelay/transport"
)

type (
	Config       = configpkg.Config
	Service      = runtimepkg.Service
	Dependencies = runtimepkg.Dependencies

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	HandlerInfo           = runtimepkg.HandlerInfo
	HandlerStats          = runtimepkg.HandlerStats
	StatusReport          = runtimepkg.StatusReport
	ConfigValidationError = errspkg.ConfigValidationError

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// CloudEvents
	Envelope        = ce.Envelope
	Extensions      = ce.Extensions
	DecodeError     = ce.DecodeError
	DeadLetterError = ce.DeadLetterError
	Binding         = codec.Binding

	// Subscriptions
	Subscription      = registry.Subscription
	SubscribeOn       = registry.SubscribeOn
	Candidate         = registry.Candidate
	SubscriptionState = registry.State
	Registry          = registry.Registry
	SubscriptionStore = registry.Store
	ValidationError   = registry.ValidationError
	TransitionError   = registry.TransitionError

	// Components
	Event          = domain.Event
	FanoutResult   = fanout.Result
	TypeSelector   = gateway.TypeSelector
	Dispatcher     = webhook.Dispatcher
	DeliveryLedger = webhook.Ledger
	DeliveryError  = webhook.DeliveryError
	Metrics        = metricspkg.Metrics
	SampleProducer = runtimepkg.SampleProducer
	SampleConfig   = runtimepkg.SampleConfig

	// Transports
	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewSampleProducer = runtimepkg.NewSampleProducer

	// CloudEvents
	NewEnvelope             = ce.New
	PrepareForDLQ           = ce.PrepareForDLQ
	ShouldDeadLetter        = ce.ShouldDeadLetter
	ErrDeadLetterWithReason = ce.ErrDeadLetterWithReason
	ErrDecode               = ce.ErrDecode
	ErrDeadLetter           = ce.ErrDeadLetter
	Encode                  = codec.Encode
	EncodeEvent             = codec.EncodeEvent
	Decode                  = codec.Decode
	StreamBinding           = codec.StreamBinding
	QueueBinding            = codec.QueueBinding
	HTTPBinding             = codec.HTTPBinding

	// Subscriptions
	NewRegistry          = registry.New
	NewMemoryStore       = registry.NewMemoryStore
	NewRedisStore        = registry.NewRedisStore
	NewPostgresStore     = registry.NewPostgresStore
	ErrNotFound          = registry.ErrNotFound
	ErrValidation        = registry.ErrValidation
	ErrInvalidTransition = registry.ErrInvalidTransition

	// Type selection
	KeepType      = gateway.KeepType
	FixedType     = gateway.FixedType
	VersionedType = gateway.VersionedType

	// Webhook delivery
	Sign            = webhook.Sign
	NewMemoryLedger = webhook.NewMemoryLedger
	NewRedisLedger  = webhook.NewRedisLedger

	SampleEvent = domain.SampleEvent

	// Transports
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrRegistryRequired  = errspkg.ErrRegistryRequired
	ErrUnknownRole       = errspkg.ErrUnknownRole
	ErrLaneFull          = errspkg.ErrLaneFull

	NewLogger            = loggingpkg.New
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	CreateULID = idspkg.CreateULID
)

// Roles a Service can run.
const (
	RoleAPI        = configpkg.RoleAPI
	RoleGateway    = configpkg.RoleGateway
	RoleDispatcher = configpkg.RoleDispatcher
)

// Backends for the subscription registry and the delivery ledger.
const (
	BackendMemory   = configpkg.BackendMemory
	BackendRedis    = configpkg.BackendRedis
	BackendPostgres = configpkg.BackendPostgres
)

// Subscription lifecycle states.
const (
	StateRegistered = registry.StateRegistered
	StateSuspended  = registry.StateSuspended
	StateRevoked    = registry.StateRevoked
)

// CloudEvents extension attributes carried by hookrelay envelopes.
const (
	ExtCallbackURL    = ce.ExtCallbackURL
	ExtSubscriptionID = ce.ExtSubscriptionID
	ExtSecret         = ce.ExtSecret
	ExtTopic          = ce.ExtTopic
	ExtEventVersion   = ce.ExtEventVersion

	SignatureHeader          = webhook.SignatureHeader
	MetadataKeyCorrelationID = runtimepkg.MetadataKeyCorrelationID
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone     = runtimepkg.ErrorCategoryNone
	ErrorCategoryDecode   = runtimepkg.ErrorCategoryDecode
	ErrorCategoryLaneFull = runtimepkg.ErrorCategoryLaneFull
	ErrorCategoryTimeout  = runtimepkg.ErrorCategoryTimeout
	ErrorCategoryOther    = runtimepkg.ErrorCategoryOther
)
