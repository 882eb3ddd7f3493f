package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ResourceType identifies the kind of infrastructure a request provisions.
type ResourceType string

const (
	ResourceEC2Instance   ResourceType = "ec2_instance"
	ResourceS3Bucket      ResourceType = "s3_bucket"
	ResourceRDSInstance   ResourceType = "rds_instance"
	ResourceSecurityGroup ResourceType = "security_group"
	ResourceElasticIP     ResourceType = "elastic_ip"
	ResourceLoadBalancer  ResourceType = "load_balancer"
	ResourceECSService    ResourceType = "ecs_service"
)

// DefaultRegion is applied when a request omits the region.
const DefaultRegion = "eu-west-2"

var resourceLabels = map[ResourceType]string{
	ResourceEC2Instance:   "EC2 Instance",
	ResourceS3Bucket:      "S3 Bucket",
	ResourceRDSInstance:   "RDS Database",
	ResourceSecurityGroup: "Security Group",
	ResourceElasticIP:     "Elastic IP",
	ResourceLoadBalancer:  "Load Balancer",
	ResourceECSService:    "ECS Service",
}

// Label returns the display name of the resource type.
func (t ResourceType) Label() string {
	if label, ok := resourceLabels[t]; ok {
		return label
	}
	return string(t)
}

// allowedDependencies lists which resource types a resource may depend on.
var allowedDependencies = map[ResourceType][]ResourceType{
	ResourceEC2Instance:   {ResourceSecurityGroup, ResourceElasticIP},
	ResourceRDSInstance:   {ResourceSecurityGroup},
	ResourceLoadBalancer:  {ResourceSecurityGroup, ResourceEC2Instance, ResourceECSService},
	ResourceECSService:    {ResourceLoadBalancer},
	ResourceSecurityGroup: {ResourceEC2Instance, ResourceRDSInstance, ResourceLoadBalancer},
	ResourceElasticIP:     {ResourceEC2Instance},
}

// CanDependOn reports whether a resource of type source may declare a dependency on target.
func CanDependOn(source, target ResourceType) bool {
	for _, allowed := range allowedDependencies[source] {
		if allowed == target {
			return true
		}
	}
	return false
}

var (
	// ErrInvalidDependency indicates a dependency edge the resource rules do not allow.
	ErrInvalidDependency = errors.New("invalid resource dependency")
	// ErrDependencyCycle indicates stack resources depend on each other in a loop.
	ErrDependencyCycle = errors.New("resource dependency cycle")
)

// DeploymentRequest asks the backend to provision a single resource.
type DeploymentRequest struct {
	ResourceType ResourceType   `json:"resource_type" validate:"required,resource_type"`
	Name         string         `json:"name" validate:"required,max=63,resource_name"`
	Environment  string         `json:"environment" validate:"required,oneof=dev staging prod"`
	Region       string         `json:"region" validate:"required"`
	Parameters   map[string]any `json:"parameters"`
}

// StackResource is one member of a stack request.
type StackResource struct {
	ID           string         `json:"id" validate:"required"`
	ResourceType ResourceType   `json:"resource_type" validate:"required,resource_type"`
	Name         string         `json:"name" validate:"required,max=63,resource_name"`
	Environment  string         `json:"environment" validate:"required,oneof=dev staging prod"`
	Region       string         `json:"region" validate:"required"`
	Parameters   map[string]any `json:"parameters"`
	Dependencies []string       `json:"dependencies"`
}

// StackRequest provisions related resources together.
type StackRequest struct {
	Resources []StackResource `json:"resources" validate:"required,min=1,dive"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator with the domain rules registered.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("resource_type", func(fl validator.FieldLevel) bool {
			_, ok := resourceLabels[ResourceType(fl.Field().String())]
			return ok
		})
		_ = v.RegisterValidation("resource_name", func(fl validator.FieldLevel) bool {
			return validName(fl.Field().String())
		})
		validate = v
	})
	return validate
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-' && i > 0:
		default:
			return false
		}
	}
	return !strings.HasSuffix(name, "-")
}

// Normalize fills defaults on the request.
func (r *DeploymentRequest) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Environment = strings.ToLower(strings.TrimSpace(r.Environment))
	if strings.TrimSpace(r.Region) == "" {
		r.Region = DefaultRegion
	}
	if r.Parameters == nil {
		r.Parameters = map[string]any{}
	}
}

// Validate checks field rules.
func (r DeploymentRequest) Validate() error {
	return Validator().Struct(r)
}

// Normalize fills defaults on every stack resource.
func (r *StackRequest) Normalize() {
	for i := range r.Resources {
		res := &r.Resources[i]
		res.ID = strings.TrimSpace(res.ID)
		res.Name = strings.TrimSpace(res.Name)
		res.Environment = strings.ToLower(strings.TrimSpace(res.Environment))
		if strings.TrimSpace(res.Region) == "" {
			res.Region = DefaultRegion
		}
		if res.Parameters == nil {
			res.Parameters = map[string]any{}
		}
	}
}

// Validate checks field rules, id uniqueness, dependency rules and cycles.
func (r StackRequest) Validate() error {
	if err := Validator().Struct(r); err != nil {
		return err
	}
	byID := make(map[string]StackResource, len(r.Resources))
	for _, res := range r.Resources {
		if _, dup := byID[res.ID]; dup {
			return fmt.Errorf("duplicate resource id %q", res.ID)
		}
		byID[res.ID] = res
	}
	for _, res := range r.Resources {
		for _, depID := range res.Dependencies {
			dep, ok := byID[depID]
			if !ok {
				return fmt.Errorf("resource %q depends on unknown resource %q", res.ID, depID)
			}
			if depID == res.ID {
				return fmt.Errorf("%w: resource %q depends on itself", ErrDependencyCycle, res.ID)
			}
			if !CanDependOn(res.ResourceType, dep.ResourceType) {
				return fmt.Errorf("%w: %s %q cannot depend on %s %q", ErrInvalidDependency, res.ResourceType.Label(), res.ID, dep.ResourceType.Label(), depID)
			}
		}
	}
	_, err := OrderByDependencies(r.Resources)
	return err
}

// Dependent is anything carrying an id, a name and dependency ids.
type Dependent interface {
	DependencyKey() string
	DependencyName() string
	DependencyIDs() []string
}

func (r StackResource) DependencyKey() string   { return r.ID }
func (r StackResource) DependencyName() string  { return r.Name }
func (r StackResource) DependencyIDs() []string { return r.Dependencies }

// OrderByDependencies returns items so that every item follows its dependencies.
// Ties are broken by name, then id. Dependencies on ids outside the slice are ignored.
func OrderByDependencies[T Dependent](items []T) ([]T, error) {
	index := make(map[string]int, len(items))
	for i, item := range items {
		index[item.DependencyKey()] = i
	}
	indegree := make([]int, len(items))
	dependents := make([][]int, len(items))
	for i, item := range items {
		for _, dep := range item.DependencyIDs() {
			j, ok := index[dep]
			if !ok || j == i {
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}
	less := func(a, b int) bool {
		na, nb := items[a].DependencyName(), items[b].DependencyName()
		if na != nb {
			return na < nb
		}
		return items[a].DependencyKey() < items[b].DependencyKey()
	}
	var ready []int
	for i := range items {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	ordered := make([]T, 0, len(items))
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool { return less(ready[a], ready[b]) })
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, items[next])
		for _, d := range dependents[next] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	if len(ordered) != len(items) {
		return nil, ErrDependencyCycle
	}
	return ordered, nil
}
