package classifier

import (
	"fmt"

	"github.com/opscart/k8s-utilization-facts/pkg/config"
	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

// rule is one row of a decision table. Rows are evaluated in order and the
// first whose predicate holds decides the classification.
type rule[T any] struct {
	name string
	when func(T) bool
	then func(T) models.SafetyClassification
}

func firstMatch[T any](rules []rule[T], in T) models.SafetyClassification {
	for _, r := range rules {
		if r.when(in) {
			c := r.then(in)
			c.Rule = r.name
			return c
		}
	}
	// every table ends with an unconditional row
	panic("classifier: decision table has no default row")
}

func always[T any](T) bool { return true }

// DeploymentInput is what the deployment table looks at
type DeploymentInput struct {
	Quality models.ObservationQuality
	Flags   models.EdgeCaseFlags
	Derived models.DerivedMetrics
}

// HPAInput is what the autoscaler table looks at
type HPAInput struct {
	Quality models.ObservationQuality
	Flags   models.EdgeCaseFlags
	Signals models.HPASignals
}

// NodeInput is what the node table looks at
type NodeInput struct {
	Quality       models.ObservationQuality
	Flags         models.EdgeCaseFlags
	Fragmentation models.FragmentationResult
}

// Classifier maps facts to a SafetyClassification through ordered rule tables
type Classifier struct {
	thresholds  config.Thresholds
	deployments []rule[DeploymentInput]
	hpas        []rule[HPAInput]
	nodes       []rule[NodeInput]
}

// New builds the decision tables for one threshold set
func New(thresholds config.Thresholds) *Classifier {
	c := &Classifier{thresholds: thresholds}
	c.deployments = deploymentRules(thresholds)
	c.hpas = hpaRules()
	c.nodes = nodeRules()
	return c
}

// ClassifyDeployment applies the deployment table
func (c *Classifier) ClassifyDeployment(in DeploymentInput) models.SafetyClassification {
	return c.downgrade(firstMatch(c.deployments, in), in.Quality)
}

// ClassifyHPA applies the autoscaler table
func (c *Classifier) ClassifyHPA(in HPAInput) models.SafetyClassification {
	return c.downgrade(firstMatch(c.hpas, in), in.Quality)
}

// ClassifyNode applies the node table
func (c *Classifier) ClassifyNode(in NodeInput) models.SafetyClassification {
	return c.downgrade(firstMatch(c.nodes, in), in.Quality)
}

// downgrade lowers confidence to Low below the robust sample floor,
// independent of which rule matched
func (c *Classifier) downgrade(cls models.SafetyClassification, q models.ObservationQuality) models.SafetyClassification {
	if q.SampleCount < c.thresholds.MinRobustSamples && cls.ConfidenceLevel != models.LevelLow {
		cls.ConfidenceLevel = models.LevelLow
		cls.Evidence = append(cls.Evidence, fmt.Sprintf("confidence downgraded: %d samples < robust floor %d", q.SampleCount, c.thresholds.MinRobustSamples))
	}
	return cls
}

func classification(risk, confidence models.Level, safe models.ResizeSafety, evidence ...string) models.SafetyClassification {
	return models.SafetyClassification{
		RiskLevel:       risk,
		ConfidenceLevel: confidence,
		SafeToResize:    safe,
		Evidence:        evidence,
	}
}

func blockedQuality(q models.ObservationQuality, f models.EdgeCaseFlags) bool {
	return f.MissingMetrics || f.InsufficientWindow || !q.Usable()
}
