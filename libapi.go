package courier

import (
	"context"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/courier/internal/runtime"
	"github.com/drblury/courier/internal/runtime/codec"
	configpkg "github.com/drblury/courier/internal/runtime/config"
	"github.com/drblury/courier/internal/runtime/consumer"
	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	idspkg "github.com/drblury/courier/internal/runtime/ids"
	jsoncodec "github.com/drblury/courier/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/internal/runtime/pipeline"
	"github.com/drblury/courier/internal/runtime/storage"
	"github.com/drblury/courier/transport"
)

type (
	Config              = configpkg.Config
	TypeSettings        = configpkg.TypeSettings
	BreakerSettings     = configpkg.BreakerSettings
	OutboxConfig        = configpkg.OutboxConfig
	InboxConfig         = configpkg.InboxConfig
	PollConfig          = configpkg.PollConfig
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	TypeRegistration[T any] = runtimepkg.TypeRegistration[T]
	TypeHandle[T any]       = runtimepkg.TypeHandle[T]
	Handler[T any]          = runtimepkg.Handler[T]
	Envelope[T any]         = envelope.Envelope[T]
	Codec[T any]            = codec.Codec[T]
	Stage[T any]            = pipeline.Stage[T]
	StageFunc[T any]        = pipeline.StageFunc[T]
	Next                    = pipeline.Next
	PublishOption           = runtimepkg.PublishOption
	RetryConfig             = runtimepkg.RetryConfig

	// Subscription is returned by Service.Activate; Close it to stop consuming.
	Subscription = consumer.Token
	LoopState    = consumer.LoopState

	Headers = metadatapkg.Headers

	Store          = storage.Store
	Tx             = storage.Tx
	SQLTx          = storage.SQLTx
	LeaseStore     = storage.LeaseStore
	OutboundRecord = storage.OutboundRecord
	InboundRecord  = storage.InboundRecord

	Transport         = transport.Transport
	TransportBuilder  = transport.Builder
	TransportRegistry = transport.Registry
	Producer          = transport.Producer
	Consumer          = transport.Consumer
	Record            = transport.Record
	OutboundMessage   = transport.OutboundMessage
	Capabilities      = transport.Capabilities

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	UnprocessableEventError = errspkg.UnprocessableEventError
	ConfigValidationError   = errspkg.ConfigValidationError

	Snapshot         = runtimepkg.Snapshot
	TypeSnapshot     = runtimepkg.TypeSnapshot
	ConsumerSnapshot = runtimepkg.ConsumerSnapshot
	TypeStats        = runtimepkg.TypeStats
	Metrics          = runtimepkg.Metrics

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.LoadFile
	ParseConfig    = configpkg.Parse
	Bool           = configpkg.Bool

	WithType          = runtimepkg.WithType
	WithKey           = runtimepkg.WithKey
	WithTopic         = runtimepkg.WithTopic
	WithCorrelationID = runtimepkg.WithCorrelationID
	WithHeader        = runtimepkg.WithHeader

	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ErrServiceRequired       = errspkg.ErrServiceRequired
	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrTypeNameRequired      = errspkg.ErrTypeNameRequired
	ErrTypeAlreadyRegistered = errspkg.ErrTypeAlreadyRegistered
	ErrUnknownType           = errspkg.ErrUnknownType
	ErrMessageTypeRequired   = errspkg.ErrMessageTypeRequired
	ErrTopicRequired         = errspkg.ErrTopicRequired
	ErrStoreRequired         = errspkg.ErrStoreRequired
	ErrCircuitOpen           = errspkg.ErrCircuitOpen
	ErrDedupUnavailable      = errspkg.ErrDedupUnavailable
	ErrServiceStarted        = errspkg.ErrServiceStarted
	ErrMessageTooLarge       = errspkg.ErrMessageTooLarge
	ErrNilMessage            = errspkg.ErrNilMessage
	IsUnprocessable          = errspkg.IsUnprocessable

	NewSlogServiceLogger    = loggingpkg.NewSlogServiceLogger
	NewZerologServiceLogger = loggingpkg.NewZerologServiceLogger
	NopLogger               = loggingpkg.NopLogger

	NewHeaders = metadatapkg.New

	TxFromContext    = storage.TxFromContext
	SQLTxFromContext = storage.SQLTxFromContext

	CreateULID = idspkg.CreateULID
)

// Header keys reserved by courier.
const (
	HeaderMessageType   = metadatapkg.KeyMessageType
	HeaderRuntimeType   = metadatapkg.KeyRuntimeType
	HeaderContentType   = metadatapkg.KeyContentType
	HeaderCorrelationID = metadatapkg.KeyCorrelationID
	HeaderOutboxID      = metadatapkg.KeyOutboxRecordID
	HeaderPartitionKey  = metadatapkg.KeyPartitionKey
)

// Poll loop states.
const (
	Running                = consumer.Running
	PausedByBackpressure   = consumer.PausedByBackpressure
	PausedByCircuitBreaker = consumer.PausedByCircuitBreaker
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone        = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation  = runtimepkg.ErrorCategoryValidation
	ErrorCategoryCircuitOpen = runtimepkg.ErrorCategoryCircuitOpen
	ErrorCategoryDedup       = runtimepkg.ErrorCategoryDedup
	ErrorCategoryDownstream  = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther       = runtimepkg.ErrorCategoryOther
)

// Register wires a message type into svc. See TypeRegistration.
func Register[T any](svc *Service, reg TypeRegistration[T]) (*TypeHandle[T], error) {
	return runtimepkg.Register(svc, reg)
}

// Publish sends msg through the publish pipeline of its registered type.
func Publish[T any](ctx context.Context, svc *Service, msg T, opts ...PublishOption) error {
	return runtimepkg.Publish(ctx, svc, msg, opts...)
}

// NewStage builds a custom pipeline stage.
func NewStage[T any](name string, fn StageFunc[T]) Stage[T] {
	return pipeline.NewStage(name, true, fn)
}

func JSONCodec[T any]() Codec[T] {
	return codec.JSON[T]()
}

func ProtoCodec[T proto.Message]() (Codec[T], error) {
	return codec.Proto[T]()
}

func ProtoJSONCodec[T proto.Message]() (Codec[T], error) {
	return codec.ProtoJSON[T]()
}

// FuncCodec adapts a pair of functions into a Codec.
func FuncCodec[T any](contentType string, marshal func(T) ([]byte, error), unmarshal func([]byte) (T, error)) Codec[T] {
	return codec.Func(contentType, marshal, unmarshal)
}

func NewProtoMessage[T proto.Message]() (T, error) {
	return codec.NewProtoMessage[T]()
}

func MustProtoMessage[T proto.Message]() T {
	return codec.MustProtoMessage[T]()
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

// Unprocessable wraps err so the consume pipeline drops the message instead
// of redelivering it.
func Unprocessable(typeName string, err error) error {
	return &errspkg.UnprocessableEventError{TypeName: typeName, Err: err}
}
