package devapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/olajaido/platform-hub/pkg/api/client"
	"github.com/olajaido/platform-hub/pkg/domain"
)

// Simulator walks deployments through pending, in_progress and a terminal
// status so clients can be exercised without a provisioning pipeline.
type Simulator struct {
	store  *Store
	notify func(client.DeploymentStatus, string)
	step   time.Duration
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSimulator creates a simulator advancing one phase every step. notify
// receives every changed status together with its source label.
func NewSimulator(store *Store, step time.Duration, logger *slog.Logger, notify func(client.DeploymentStatus, string)) *Simulator {
	if step <= 0 {
		step = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Simulator{store: store, notify: notify, step: step, logger: logger, ctx: ctx, cancel: cancel}
}

// Run provisions ids one after another. When one fails the rest fail too.
func (s *Simulator) Run(ids ...string) {
	if len(ids) == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var failed string
		for _, id := range ids {
			if failed != "" {
				s.finish(id, domain.StatusFailed, nil, fmt.Sprintf("dependency %s failed", failed))
				continue
			}
			ok, err := s.provision(id)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Warn("simulation aborted", "deployment_id", id, "error", err)
				}
				return
			}
			if !ok {
				failed = id
			}
		}
	}()
}

// Close stops all simulations and waits for them to exit.
func (s *Simulator) Close() {
	s.cancel()
	s.wg.Wait()
}

// provision reports whether the deployment completed.
func (s *Simulator) provision(id string) (bool, error) {
	if err := s.wait(); err != nil {
		return false, err
	}
	status, err := s.store.Transition(id, domain.StatusInProgress, nil, "")
	if err != nil {
		return false, err
	}
	s.notify(status, "simulator")

	phases := [][]string{
		{"terraform init", "Initializing provider plugins..."},
		{fmt.Sprintf("terraform plan -var name=%s", status.Name), "Plan: 1 to add, 0 to change, 0 to destroy."},
		{"terraform apply -auto-approve"},
	}
	for _, lines := range phases {
		if err := s.wait(); err != nil {
			return false, err
		}
		if err := s.store.AppendLog(id, lines...); err != nil {
			return false, err
		}
		s.notify(status, "simulator")
	}

	if err := s.wait(); err != nil {
		return false, err
	}
	if fail, _ := status.Parameters["simulate_failure"].(bool); fail {
		s.finish(id, domain.StatusFailed, nil, "terraform apply failed: simulated failure")
		return false, nil
	}
	s.finish(id, domain.StatusCompleted, simulatedOutputs(status), "")
	return true, nil
}

func (s *Simulator) finish(id string, status domain.Status, outputs map[string]any, errMsg string) {
	if status == domain.StatusCompleted {
		_ = s.store.AppendLog(id, "Apply complete! Resources: 1 added, 0 changed, 0 destroyed.")
	} else {
		_ = s.store.AppendLog(id, "Error: "+errMsg)
	}
	final, err := s.store.Transition(id, status, outputs, errMsg)
	if err != nil {
		s.logger.Warn("simulated transition rejected", "deployment_id", id, "error", err)
		return
	}
	s.notify(final, "simulator")
}

func (s *Simulator) wait() error {
	timer := time.NewTimer(s.step)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-timer.C:
		return nil
	}
}

func simulatedOutputs(st client.DeploymentStatus) map[string]any {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:17]
	switch domain.ResourceType(st.ResourceType) {
	case domain.ResourceEC2Instance:
		return map[string]any{"instance_id": "i-" + suffix, "public_ip": "203.0.113.10", "private_ip": "10.0.1.10"}
	case domain.ResourceS3Bucket:
		return map[string]any{"bucket_name": st.Name, "bucket_arn": "arn:aws:s3:::" + st.Name}
	case domain.ResourceRDSInstance:
		return map[string]any{"endpoint": fmt.Sprintf("%s.%s.%s.rds.amazonaws.com:5432", st.Name, suffix[:12], st.Region)}
	case domain.ResourceSecurityGroup:
		return map[string]any{"security_group_id": "sg-" + suffix}
	case domain.ResourceElasticIP:
		return map[string]any{"allocation_id": "eipalloc-" + suffix, "public_ip": "198.51.100.7"}
	case domain.ResourceLoadBalancer:
		return map[string]any{"dns_name": fmt.Sprintf("%s-%s.%s.elb.amazonaws.com", st.Name, suffix[:8], st.Region)}
	case domain.ResourceECSService:
		return map[string]any{"service_arn": fmt.Sprintf("arn:aws:ecs:%s:000000000000:service/%s", st.Region, st.Name)}
	}
	return map[string]any{"id": suffix}
}
