package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
)

// LoadAWSConfig loads the default AWS configuration for region with
// OpenTelemetry instrumentation attached.
func LoadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Add OpenTelemetry instrumentation
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	return awsCfg, nil
}
