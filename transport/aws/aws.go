// Package aws provides an SNS/SQS transport for courier. Records are
// published to SNS topics; every physical consumer reads from its own SQS
// queue subscribed to those topics, so exclusive types never share a queue
// with the shared consumer.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/courier/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

// localAccountID is used against emulated endpoints when no valid account
// is configured.
const localAccountID = "000000000000"

// Test seams for the AWS SDK and the watermill SNS clients.
var loadConfig = awsconfig.LoadDefaultConfig

var newPublisher = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

var newSubscriber = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	Register()
}

// Register registers the AWS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// target is where records go: the account and region that SNS topic ARNs are
// derived from, plus an optional endpoint override.
type target struct {
	accountID string
	region    string
	endpoint  *url.URL
}

// Build connects the producer to SNS. Consumers are created per physical
// consumer name on demand.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if cfg == nil {
		return transport.Transport{}, fmt.Errorf("aws transport: config is required")
	}
	endpoint, err := parseEndpoint(cfg.GetAWSEndpoint())
	if err != nil {
		return transport.Transport{}, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("Failed to load AWS config", err, watermill.LogFields{"region": cfg.GetAWSRegion()})
		return transport.Transport{}, err
	}
	tgt := target{
		accountID: accountID(cfg.GetAWSAccountID(), endpoint != nil),
		region:    awsCfg.Region,
		endpoint:  endpoint,
	}
	resolver, err := sns.NewGenerateArnTopicResolver(tgt.accountID, tgt.region)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("aws transport: topic resolver: %w", err)
	}
	logger.Info("AWS transport configured", watermill.LogFields{
		"account_id": tgt.accountID,
		"region":     tgt.region,
		"endpoint":   cfg.GetAWSEndpoint(),
	})

	snsOpts, sqsOpts := tgt.clientOptions()
	publisher, err := newPublisher(sns.PublisherConfig{
		AWSConfig:     awsCfg,
		OptFns:        snsOpts,
		TopicResolver: resolver,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	consumers := func(_ context.Context, name string) (message.Subscriber, error) {
		return newSubscriber(sns.SubscriberConfig{
			AWSConfig:            awsCfg,
			OptFns:               snsOpts,
			TopicResolver:        resolver,
			GenerateSqsQueueName: queueName(name),
		}, sqs.SubscriberConfig{
			AWSConfig: awsCfg,
			OptFns:    sqsOpts,
		}, logger)
	}
	return transport.FromWatermill(publisher, consumers, logger), nil
}

func loadAWSConfig(ctx context.Context, cfg transport.Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	region := cfg.GetAWSRegion()
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if key, secret := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); key != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{AccessKeyID: key, SecretAccessKey: secret}, nil
			})))
	}
	awsCfg, err := loadConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if region != "" {
		awsCfg.Region = region
	}
	return awsCfg, nil
}

// accountID trims quoting from the configured id. Emulated endpoints accept
// any account, so a missing or malformed id falls back to localAccountID
// there.
func accountID(configured string, emulated bool) string {
	id := strings.Trim(configured, "\"' ")
	if emulated && len(id) != len(localAccountID) {
		return localAccountID
	}
	return id
}

func parseEndpoint(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("aws transport: parse endpoint: %w", err)
	}
	return u, nil
}

// clientOptions points both SDK clients at the endpoint override, if any.
func (t target) clientOptions() ([]func(*amazonsns.Options), []func(*amazonsqs.Options)) {
	if t.endpoint == nil {
		return nil, nil
	}
	endpoint := smithyendpoints.Endpoint{URI: *t.endpoint}
	snsOpts := []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: endpoint}),
	}
	sqsOpts := []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: endpoint}),
	}
	return snsOpts, sqsOpts
}

// queueName names the SQS queue after the topic. Exclusive consumers get
// their own suffixed queue.
func queueName(consumer string) sns.GenerateSqsQueueNameFn {
	return func(_ context.Context, topicArn sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(topicArn)
		if err != nil {
			return "", err
		}
		if consumer == "" || consumer == transport.SharedConsumerName {
			return string(topic), nil
		}
		return string(topic) + "-" + consumer, nil
	}
}
