// Package kube resizes Kubernetes Deployments through the apps/v1 API.
package kube

import (
	"context"
	"errors"
	"fmt"
	"math"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"
)

// ErrDeploymentNotFound is returned when the named deployment does not exist.
var ErrDeploymentNotFound = errors.New("deployment not found")

// Scaler reads and sets spec.replicas of Deployments in one namespace.
type Scaler struct {
	client    kubernetes.Interface
	namespace string
}

// NewScaler returns a Scaler operating in namespace.
func NewScaler(client kubernetes.Interface, namespace string) *Scaler {
	if namespace == "" {
		namespace = metav1.NamespaceDefault
	}
	return &Scaler{client: client, namespace: namespace}
}

// Replicas returns the desired replica count recorded on the deployment. An
// unset spec.replicas means 1, as in the API server defaults.
func (s *Scaler) Replicas(ctx context.Context, deployment string) (int, error) {
	d, err := s.client.AppsV1().Deployments(s.namespace).Get(ctx, deployment, metav1.GetOptions{})
	if err != nil {
		return 0, s.wrap(deployment, err)
	}
	if d.Spec.Replicas == nil {
		return 1, nil
	}
	return int(*d.Spec.Replicas), nil
}

// Scale sets spec.replicas on the deployment, re-reading and retrying on
// update conflicts.
func (s *Scaler) Scale(ctx context.Context, deployment string, replicas int) error {
	if replicas < 0 || replicas > math.MaxInt32 {
		return fmt.Errorf("scale %s/%s: replica count %d out of range [0, %d]", s.namespace, deployment, replicas, math.MaxInt32)
	}
	n := int32(replicas)

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		deployments := s.client.AppsV1().Deployments(s.namespace)
		d, err := deployments.Get(ctx, deployment, metav1.GetOptions{})
		if err != nil {
			return err
		}
		d.Spec.Replicas = &n
		_, err = deployments.Update(ctx, d, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return s.wrap(deployment, err)
	}
	return nil
}

func (s *Scaler) wrap(deployment string, err error) error {
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("%s/%s: %w", s.namespace, deployment, ErrDeploymentNotFound)
	}
	return fmt.Errorf("deployment %s/%s: %w", s.namespace, deployment, err)
}

// NewClient builds a clientset from the in-cluster service account or, when
// inCluster is false, from kubeconfig (falling back to the default loading
// rules when kubeconfig is empty).
func NewClient(kubeconfig string, inCluster bool) (kubernetes.Interface, error) {
	config, err := loadConfig(kubeconfig, inCluster)
	if err != nil {
		return nil, fmt.Errorf("load kubernetes config: %w", err)
	}
	return kubernetes.NewForConfig(config)
}

func loadConfig(kubeconfig string, inCluster bool) (*rest.Config, error) {
	if inCluster {
		return rest.InClusterConfig()
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
}
