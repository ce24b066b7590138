package dataplane

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/iotdataplane"

	"github.com/edgeflow/shadowgw/internal/apperr"
)

// AWSIoTClient implements ShadowDataPlane against the AWS IoT Data
// Plane (GetThingShadow/UpdateThingShadow/DeleteThingShadow).
type AWSIoTClient struct {
	client *iotdataplane.IoTDataPlane
}

type AWSIoTConfig struct {
	Region    string
	AccessKey string
	SecretKey string
	Endpoint  string // account-specific data-plane endpoint, e.g. xxxx-ats.iot.<region>.amazonaws.com
}

func NewAWSIoTClient(cfg AWSIoTConfig) (*AWSIoTClient, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("dataplane: create aws session: %w", err)
	}

	return &AWSIoTClient{client: iotdataplane.New(sess)}, nil
}

func shadowNamePtr(shadowName string) *string {
	if shadowName == "" {
		return nil
	}
	return aws.String(shadowName)
}

func (c *AWSIoTClient) Get(ctx context.Context, thing, shadowName string) ([]byte, error) {
	out, err := c.client.GetThingShadowWithContext(ctx, &iotdataplane.GetThingShadowInput{
		ThingName:  aws.String(thing),
		ShadowName: shadowNamePtr(shadowName),
	})
	if err != nil {
		return nil, translateAWSErr(err)
	}
	return out.Payload, nil
}

func (c *AWSIoTClient) Update(ctx context.Context, thing, shadowName string, patch []byte) ([]byte, error) {
	out, err := c.client.UpdateThingShadowWithContext(ctx, &iotdataplane.UpdateThingShadowInput{
		ThingName:  aws.String(thing),
		ShadowName: shadowNamePtr(shadowName),
		Payload:    patch,
	})
	if err != nil {
		return nil, translateAWSErr(err)
	}
	return out.Payload, nil
}

func (c *AWSIoTClient) Delete(ctx context.Context, thing, shadowName string) error {
	_, err := c.client.DeleteThingShadowWithContext(ctx, &iotdataplane.DeleteThingShadowInput{
		ThingName:  aws.String(thing),
		ShadowName: shadowNamePtr(shadowName),
	})
	if err != nil {
		return translateAWSErr(err)
	}
	return nil
}

// translateAWSErr maps the IoT Data Plane's awserr codes onto the
// gateway's retry/backoff classification.
func translateAWSErr(err error) error {
	aerr, ok := err.(awserr.Error)
	if !ok {
		return apperr.ErrServiceUnavailable(err)
	}

	switch aerr.Code() {
	case "ResourceNotFoundException":
		return apperr.ErrResourceNotFound(aerr.Message())
	case "ConflictException":
		return apperr.ErrVersionConflict(aerr.Message())
	case "InvalidRequestException", "RequestEntityTooLargeException":
		return apperr.ErrInvalidPayload(aerr.Message())
	case "UnauthorizedException":
		return apperr.ErrUnauthorized(aerr.Message())
	case "ThrottlingException":
		return apperr.ErrThrottled(aerr.Message())
	case "ServiceUnavailableException":
		return apperr.ErrServiceUnavailable(aerr)
	case "InternalFailureException":
		return apperr.ErrInternalFailure(aerr)
	case "UnsupportedDocumentEncodingException":
		return apperr.ErrUnsupportedDocumentEncoding(aerr.Message())
	case "MethodNotAllowedException":
		return apperr.New(apperr.KindTerminalUpstream, aerr.Code(), aerr.Message())
	default:
		return apperr.ErrServiceUnavailable(aerr)
	}
}
