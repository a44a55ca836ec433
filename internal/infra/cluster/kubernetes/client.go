package kubernetes

import (
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// newClient builds a clientset. An explicit kubeconfig wins; otherwise the
// in-cluster config is tried before the user's default kubeconfig.
func newClient(kubeconfig, kubeContext string) (kubernetes.Interface, error) {
	if kubeconfig == "" {
		if config, err := rest.InClusterConfig(); err == nil {
			return kubernetes.NewForConfig(config)
		}
		kubeconfig = clientcmd.RecommendedHomeFile
	}

	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfig},
		&clientcmd.ConfigOverrides{CurrentContext: kubeContext},
	).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get kubeconfig: %w", err)
	}

	return kubernetes.NewForConfig(config)
}
