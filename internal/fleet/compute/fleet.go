// Package compute manages the worker fleet as a Compute Engine managed
// instance group built from an instance template.
package compute

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	"cloud.google.com/go/compute/apiv1/computepb"
	"google.golang.org/api/googleapi"
	"google.golang.org/protobuf/proto"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
)

// Config places the fleet.
type Config struct {
	ProjectID string
	Zone      string
}

// Fleet implements fanout.FleetManager over the instance group managers API.
type Fleet struct {
	client *compute.InstanceGroupManagersClient
	cfg    Config
}

// New wraps an InstanceGroupManagers client.
func New(client *compute.InstanceGroupManagersClient, cfg Config) (*Fleet, error) {
	if client == nil {
		return nil, errors.New("compute client is required")
	}
	if cfg.ProjectID == "" || cfg.Zone == "" {
		return nil, errors.New("project id and zone are required")
	}
	return &Fleet{client: client, cfg: cfg}, nil
}

// Create inserts a managed instance group sized to spec.DesiredCount.
func (f *Fleet) Create(ctx context.Context, spec fanout.FleetSpec) error {
	if spec.Name == "" || spec.Template == "" {
		return errors.New("fleet name and template are required")
	}
	req := &computepb.InsertInstanceGroupManagerRequest{
		Project: f.cfg.ProjectID,
		Zone:    f.cfg.Zone,
		InstanceGroupManagerResource: &computepb.InstanceGroupManager{
			Name:             proto.String(spec.Name),
			BaseInstanceName: proto.String(spec.Name),
			InstanceTemplate: proto.String(f.templateURL(spec.Template)),
			TargetSize:       proto.Int32(int32(spec.DesiredCount)),
		},
	}
	op, err := f.client.Insert(ctx, req)
	if err != nil {
		return fmt.Errorf("create fleet %s: %w", spec.Name, translate(err))
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("wait for fleet %s creation: %w", spec.Name, translate(err))
	}
	return nil
}

// SetDesiredCount resizes the group.
func (f *Fleet) SetDesiredCount(ctx context.Context, name string, count int) error {
	op, err := f.client.Resize(ctx, &computepb.ResizeInstanceGroupManagerRequest{
		Project:              f.cfg.ProjectID,
		Zone:                 f.cfg.Zone,
		InstanceGroupManager: name,
		Size:                 int32(count),
	})
	if err != nil {
		return fmt.Errorf("resize fleet %s: %w", name, translate(err))
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("wait for fleet %s resize: %w", name, translate(err))
	}
	return nil
}

// Delete removes the group. Deleting a managed instance group always removes
// its instances, so force only documents intent.
func (f *Fleet) Delete(ctx context.Context, name string, _ bool) error {
	op, err := f.client.Delete(ctx, &computepb.DeleteInstanceGroupManagerRequest{
		Project:              f.cfg.ProjectID,
		Zone:                 f.cfg.Zone,
		InstanceGroupManager: name,
	})
	if err != nil {
		return fmt.Errorf("delete fleet %s: %w", name, translate(err))
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("wait for fleet %s deletion: %w", name, translate(err))
	}
	return nil
}

// Close releases the underlying client.
func (f *Fleet) Close() error {
	if err := f.client.Close(); err != nil {
		return fmt.Errorf("close compute client: %w", err)
	}
	return nil
}

func (f *Fleet) templateURL(template string) string {
	if strings.HasPrefix(template, "projects/") || strings.HasPrefix(template, "https://") {
		return template
	}
	return fmt.Sprintf("projects/%s/global/instanceTemplates/%s", f.cfg.ProjectID, template)
}

// translate maps API conflicts and misses onto the fanout sentinels.
func translate(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", fanout.ErrFleetExists, apiErr.Message)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", fanout.ErrFleetNotFound, apiErr.Message)
	default:
		return err
	}
}
