// Package batch submits job packages to the batch compute queue.
package batch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/sirupsen/logrus"

	"github.com/Cloud-V/Backend-sub002/internal/config"
	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
)

const (
	// Attempts is the retry budget for every submitted job.
	Attempts = 3
	// AttemptDurationSeconds bounds each attempt.
	AttemptDurationSeconds = 900

	// ArchiveURLEnv and ArchiveTypeEnv tell the worker where its input is.
	ArchiveURLEnv  = "BATCH_FILE_S3_URL"
	ArchiveTypeEnv = "BATCH_FILE_TYPE"
	ArchiveType    = "zip"
)

// SubmitAPI is the part of the batch client the dispatcher needs.
type SubmitAPI interface {
	SubmitJob(ctx context.Context, params *batch.SubmitJobInput, optFns ...func(*batch.Options)) (*batch.SubmitJobOutput, error)
}

// Job describes one submission.
type Job struct {
	Name       string
	ArchiveURL string
	// Command is appended to the configured worker command.
	Command []string
	// Env holds extra worker environment, e.g. the callback URL.
	Env map[string]string
}

// Handle identifies a submitted job.
type Handle struct {
	JobName string `json:"jobName"`
	JobID   string `json:"jobId"`
}

// Dispatcher submits jobs to one queue and job definition.
type Dispatcher struct {
	client     SubmitAPI
	queue      string
	definition string
	command    []string
	memory     int32
	vcpus      int32
	logger     *logrus.Entry
}

// NewDispatcher creates a dispatcher over client.
func NewDispatcher(client SubmitAPI, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		client:     client,
		queue:      cfg.BatchQueue,
		definition: cfg.BatchDefinition,
		command:    strings.Fields(cfg.BatchCommand),
		memory:     cfg.BatchMemory,
		vcpus:      cfg.BatchVCPUs,
		logger:     logrus.WithField("component", "batch"),
	}
}

// NewClient builds an AWS Batch client for the configured region.
func NewClient(ctx context.Context, cfg *config.Config) (*batch.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return batch.NewFromConfig(awsCfg), nil
}

// Submit sends job to the queue. Any failure is reported as a submission
// error; the cause is only logged.
func (d *Dispatcher) Submit(ctx context.Context, job Job) (*Handle, error) {
	input := d.input(job)

	out, err := d.client.SubmitJob(ctx, input)
	if err != nil {
		d.logger.WithError(err).WithField("job_name", job.Name).Error("Failed to submit batch job")
		return nil, apperrors.NewSubmission(err)
	}

	handle := &Handle{JobName: aws.ToString(out.JobName), JobID: aws.ToString(out.JobId)}
	if handle.JobName == "" {
		handle.JobName = job.Name
	}
	if handle.JobID == "" {
		return nil, apperrors.NewSubmission(fmt.Errorf("batch returned no job id for %s", job.Name))
	}

	d.logger.WithFields(logrus.Fields{
		"job_name": handle.JobName,
		"job_id":   handle.JobID,
		"queue":    d.queue,
	}).Info("Batch job submitted")

	return handle, nil
}

func (d *Dispatcher) input(job Job) *batch.SubmitJobInput {
	command := append(append([]string{}, d.command...), job.Command...)

	env := []types.KeyValuePair{
		{Name: aws.String(ArchiveURLEnv), Value: aws.String(job.ArchiveURL)},
		{Name: aws.String(ArchiveTypeEnv), Value: aws.String(ArchiveType)},
	}
	for _, name := range sortedKeys(job.Env) {
		env = append(env, types.KeyValuePair{Name: aws.String(name), Value: aws.String(job.Env[name])})
	}

	return &batch.SubmitJobInput{
		JobName:       aws.String(job.Name),
		JobQueue:      aws.String(d.queue),
		JobDefinition: aws.String(d.definition),
		ContainerOverrides: &types.ContainerOverrides{
			Command:     command,
			Environment: env,
			Memory:      aws.Int32(d.memory),
			Vcpus:       aws.Int32(d.vcpus),
		},
		RetryStrategy: &types.RetryStrategy{Attempts: aws.Int32(Attempts)},
		Timeout:       &types.JobTimeout{AttemptDurationSeconds: aws.Int32(AttemptDurationSeconds)},
	}
}

// JobName builds a batch-safe job name: letters, digits, hyphens and
// underscores, at most 128 characters.
func JobName(parts ...string) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte('-')
		}
		for _, r := range p {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
				b.WriteRune(r)
			default:
				b.WriteByte('_')
			}
		}
	}
	name := b.String()
	if len(name) > 128 {
		name = name[:128]
	}
	return name
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
