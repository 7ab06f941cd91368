// Package ec2 implements an alternate Runtime Adapter that provisions EC2
// instances instead of containers, selected via CONTROLLER_RUNTIME=ec2.
package ec2

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/runnerctl/runnerctl/internal/config"
	"github.com/runnerctl/runnerctl/internal/provider"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/google/uuid"
)

const (
	tagManagedBy  = "runnerctl:managed-by"
	tagWorkerID   = "runnerctl:worker-id"
	tagWorkerName = "runnerctl:worker-name"
	tagCreatedAt  = "runnerctl:created-at"
)

// Provider implements provider.Provider against the AWS EC2 API.
type Provider struct {
	client       *ec2.Client
	config       config.AWSConfig
	controllerID string
	logger       *slog.Logger
	mu           sync.RWMutex
}

// New creates a new EC2 runtime adapter.
func New(cfg config.AWSConfig, controllerID string, logger *slog.Logger) (*Provider, error) {
	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &Provider{
		client:       ec2.NewFromConfig(awsCfg),
		config:       cfg,
		controllerID: controllerID,
		logger:       logger.With("component", "ec2"),
	}, nil
}

func (p *Provider) Name() string { return "ec2" }

func (p *Provider) ListRunners(ctx context.Context) ([]*provider.Runner, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + tagManagedBy), Values: []string{p.controllerID}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	}

	result, err := p.client.DescribeInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("describe instances: %w", err)
	}

	var runners []*provider.Runner
	for _, reservation := range result.Reservations {
		for _, instance := range reservation.Instances {
			runners = append(runners, p.instanceToRunner(&instance))
		}
	}

	return runners, nil
}

func (p *Provider) GetRunner(ctx context.Context, id string) (*provider.Runner, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + tagWorkerID), Values: []string{id}},
		},
	}

	result, err := p.client.DescribeInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("describe instance: %w", err)
	}

	if len(result.Reservations) == 0 || len(result.Reservations[0].Instances) == 0 {
		return nil, fmt.Errorf("runner %s not found", id)
	}

	return p.instanceToRunner(&result.Reservations[0].Instances[0]), nil
}

func (p *Provider) CreateRunner(ctx context.Context, req *provider.CreateRunnerRequest) (*provider.Runner, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	workerID := uuid.New().String()

	p.logger.Info("creating EC2 instance",
		"worker_id", workerID,
		"worker_name", req.Name,
		"instance_type", p.config.InstanceType,
		"use_spot", p.config.UseSpot,
	)

	userData := p.buildUserData(req)
	userDataB64 := base64.StdEncoding.EncodeToString([]byte(userData))

	tags := p.buildTags(workerID, req)
	tagSpecs := []types.TagSpecification{
		{ResourceType: types.ResourceTypeInstance, Tags: tags},
		{ResourceType: types.ResourceTypeVolume, Tags: tags},
	}

	blockDeviceMappings := []types.BlockDeviceMapping{
		{
			DeviceName: aws.String("/dev/sda1"),
			Ebs: &types.EbsBlockDevice{
				VolumeSize:          aws.Int32(p.config.VolumeSize),
				VolumeType:          types.VolumeType(p.config.VolumeType),
				DeleteOnTermination: aws.Bool(true),
			},
		},
	}

	var instanceID string
	var err error

	if p.config.UseSpot {
		instanceID, err = p.createSpotInstance(ctx, userDataB64, tagSpecs, blockDeviceMappings)
	} else {
		instanceID, err = p.createOnDemandInstance(ctx, userDataB64, tagSpecs, blockDeviceMappings)
	}

	if err != nil {
		return nil, err
	}

	p.logger.Info("EC2 instance created", "worker_id", workerID, "instance_id", instanceID)

	return &provider.Runner{
		ID:         workerID,
		Name:       req.Name,
		WorkerName: req.Name,
		Status:     provider.StatusProvisioning,
		Provider:   "ec2",
		ProviderID: instanceID,
		CreatedAt:  time.Now(),
		Metadata: map[string]string{
			"instance_id":   instanceID,
			"instance_type": p.config.InstanceType,
			"region":        p.config.Region,
			"spot":          fmt.Sprintf("%t", p.config.UseSpot),
		},
	}, nil
}

func (p *Provider) RemoveRunner(ctx context.Context, id string, graceful bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	runner, err := p.GetRunner(ctx, id)
	if err != nil {
		return err
	}

	p.logger.Info("terminating EC2 instance", "worker_id", id, "instance_id", runner.ProviderID, "graceful", graceful)

	if _, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{runner.ProviderID},
	}); err != nil {
		return fmt.Errorf("terminate instance: %w", err)
	}

	return nil
}

// ReapDead terminates this controller's instances that the API reports as
// stopped; EC2 instances don't "exit" the way containers do. It returns
// their worker names. Whether the controller still tracks them is not
// consulted.
func (p *Provider) ReapDead(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + tagManagedBy), Values: []string{p.controllerID}},
			{Name: aws.String("instance-state-name"), Values: []string{"stopped"}},
		},
	}

	result, err := p.client.DescribeInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("describe stopped instances: %w", err)
	}

	var ids []string
	var names []string
	for _, reservation := range result.Reservations {
		for _, instance := range reservation.Instances {
			ids = append(ids, *instance.InstanceId)
			names = append(names, tagValue(instance.Tags, tagWorkerName))
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids}); err != nil {
		return nil, fmt.Errorf("terminate stopped instances: %w", err)
	}

	return names, nil
}

// GetLogs is not meaningful for EC2 instances the way it is for container
// stdout/stderr; callers see a descriptive error instead of a silent empty
// string so the status surface can report the degraded capability honestly.
func (p *Provider) GetLogs(ctx context.Context, id string, opts provider.LogOptions) (string, error) {
	return "", fmt.Errorf("log retrieval is not supported by the ec2 runtime adapter")
}

// EnsureNetwork is a no-op for EC2: network isolation is handled by the
// configured subnet/security groups, not a per-controller virtual network.
func (p *Provider) EnsureNetwork(ctx context.Context, name string) error {
	return nil
}

// ListVolumes is a no-op for EC2: EBS volumes are deleted on termination
// (DeleteOnTermination=true), so there are no orphaned anonymous volumes to
// track the way Docker's work volumes require.
func (p *Provider) ListVolumes(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{}); err != nil {
		return fmt.Errorf("ec2 health check: %w", err)
	}
	return nil
}

func (p *Provider) Close() error { return nil }

func (p *Provider) createOnDemandInstance(
	ctx context.Context,
	userData string,
	tagSpecs []types.TagSpecification,
	blockDeviceMappings []types.BlockDeviceMapping,
) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:             aws.String(p.config.AMI),
		InstanceType:        types.InstanceType(p.config.InstanceType),
		MinCount:            aws.Int32(1),
		MaxCount:            aws.Int32(1),
		UserData:            aws.String(userData),
		SubnetId:            aws.String(p.config.SubnetID),
		SecurityGroupIds:    p.config.SecurityGroupIDs,
		TagSpecifications:   tagSpecs,
		BlockDeviceMappings: blockDeviceMappings,
	}

	if p.config.KeyName != "" {
		input.KeyName = aws.String(p.config.KeyName)
	}
	if p.config.IAMInstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(p.config.IAMInstanceProfile)}
	}

	result, err := p.client.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("run on-demand instance: %w", err)
	}
	if len(result.Instances) == 0 {
		return "", fmt.Errorf("no instances created")
	}

	return *result.Instances[0].InstanceId, nil
}

func (p *Provider) createSpotInstance(
	ctx context.Context,
	userData string,
	tagSpecs []types.TagSpecification,
	blockDeviceMappings []types.BlockDeviceMapping,
) (string, error) {
	launchSpec := &types.RequestSpotLaunchSpecification{
		ImageId:             aws.String(p.config.AMI),
		InstanceType:        types.InstanceType(p.config.InstanceType),
		UserData:            aws.String(userData),
		SubnetId:            aws.String(p.config.SubnetID),
		SecurityGroupIds:    p.config.SecurityGroupIDs,
		BlockDeviceMappings: blockDeviceMappings,
	}

	if p.config.KeyName != "" {
		launchSpec.KeyName = aws.String(p.config.KeyName)
	}
	if p.config.IAMInstanceProfile != "" {
		launchSpec.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(p.config.IAMInstanceProfile)}
	}

	input := &ec2.RequestSpotInstancesInput{
		SpotPrice:           aws.String(p.config.SpotMaxPrice),
		InstanceCount:       aws.Int32(1),
		Type:                types.SpotInstanceTypeOneTime,
		LaunchSpecification: launchSpec,
		TagSpecifications:   tagSpecs,
	}

	result, err := p.client.RequestSpotInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("request spot instance: %w", err)
	}
	if len(result.SpotInstanceRequests) == 0 {
		return "", fmt.Errorf("no spot requests created")
	}

	requestID := *result.SpotInstanceRequests[0].SpotInstanceRequestId

	waiter := ec2.NewSpotInstanceRequestFulfilledWaiter(p.client)
	waitInput := &ec2.DescribeSpotInstanceRequestsInput{SpotInstanceRequestIds: []string{requestID}}

	if err := waiter.Wait(ctx, waitInput, 5*time.Minute); err != nil {
		return "", fmt.Errorf("spot request not fulfilled: %w", err)
	}

	descResult, err := p.client.DescribeSpotInstanceRequests(ctx, waitInput)
	if err != nil {
		return "", fmt.Errorf("describe spot request: %w", err)
	}
	if len(descResult.SpotInstanceRequests) == 0 || descResult.SpotInstanceRequests[0].InstanceId == nil {
		return "", fmt.Errorf("spot request has no instance ID")
	}

	instanceID := *descResult.SpotInstanceRequests[0].InstanceId

	if _, err := p.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags:      tagSpecs[0].Tags,
	}); err != nil {
		p.logger.Warn("failed to tag spot instance", "error", err)
	}

	return instanceID, nil
}

func (p *Provider) buildUserData(req *provider.CreateRunnerRequest) string {
	if p.config.UserDataScript != "" {
		script := p.config.UserDataScript
		script = strings.ReplaceAll(script, "{{RUNNER_NAME}}", req.Name)
		script = strings.ReplaceAll(script, "{{RUNNER_TOKEN}}", req.RegistrationID)
		script = strings.ReplaceAll(script, "{{SCOPE_URL}}", req.ScopeURL)
		script = strings.ReplaceAll(script, "{{LABELS}}", strings.Join(req.Labels, ","))
		return script
	}

	return fmt.Sprintf(`#!/bin/bash
set -e

cd /home/ubuntu
mkdir actions-runner && cd actions-runner
curl -o actions-runner-linux-x64-2.311.0.tar.gz -L https://github.com/actions/runner/releases/download/v2.311.0/actions-runner-linux-x64-2.311.0.tar.gz
tar xzf ./actions-runner-linux-x64-2.311.0.tar.gz

./config.sh --url %s --token %s --name %s --labels %s --unattended --ephemeral

./run.sh
`,
		req.ScopeURL,
		req.RegistrationID,
		req.Name,
		strings.Join(req.Labels, ","),
	)
}

func (p *Provider) buildTags(workerID string, req *provider.CreateRunnerRequest) []types.Tag {
	tags := []types.Tag{
		{Key: aws.String(tagManagedBy), Value: aws.String(p.controllerID)},
		{Key: aws.String(tagWorkerID), Value: aws.String(workerID)},
		{Key: aws.String(tagWorkerName), Value: aws.String(req.Name)},
		{Key: aws.String(tagCreatedAt), Value: aws.String(time.Now().Format(time.RFC3339))},
		{Key: aws.String("Name"), Value: aws.String(req.Name)},
	}

	for k, v := range p.config.Tags {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	return tags
}

func (p *Provider) instanceToRunner(instance *types.Instance) *provider.Runner {
	workerID := tagValue(instance.Tags, tagWorkerID)
	workerName := tagValue(instance.Tags, tagWorkerName)
	createdAt := time.Now()
	if v := tagValue(instance.Tags, tagCreatedAt); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			createdAt = t
		}
	}

	metadata := map[string]string{
		"instance_id":   *instance.InstanceId,
		"instance_type": string(instance.InstanceType),
		"state":         string(instance.State.Name),
	}
	if instance.Placement != nil && instance.Placement.AvailabilityZone != nil {
		metadata["az"] = *instance.Placement.AvailabilityZone
	}
	if instance.PrivateIpAddress != nil {
		metadata["private_ip"] = *instance.PrivateIpAddress
	}
	if instance.PublicIpAddress != nil {
		metadata["public_ip"] = *instance.PublicIpAddress
	}

	return &provider.Runner{
		ID:         workerID,
		Name:       workerName,
		WorkerName: workerName,
		Status:     mapInstanceState(instance.State.Name),
		Provider:   "ec2",
		ProviderID: *instance.InstanceId,
		CreatedAt:  createdAt,
		Metadata:   metadata,
	}
}

func tagValue(tags []types.Tag, key string) string {
	for _, tag := range tags {
		if tag.Key != nil && *tag.Key == key && tag.Value != nil {
			return *tag.Value
		}
	}
	return ""
}

func mapInstanceState(state types.InstanceStateName) provider.RunnerStatus {
	switch state {
	case types.InstanceStateNamePending:
		return provider.StatusProvisioning
	case types.InstanceStateNameRunning:
		return provider.StatusRunning
	case types.InstanceStateNameStopping, types.InstanceStateNameShuttingDown:
		return provider.StatusTerminating
	case types.InstanceStateNameStopped, types.InstanceStateNameTerminated:
		return provider.StatusTerminated
	default:
		return provider.StatusFailed
	}
}
