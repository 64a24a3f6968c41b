// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"

	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	// JobNameLabel is set by the Job controller on every pod of a job.
	JobNameLabel = "batch.kubernetes.io/job-name"
	// CompletionIndexKey is the label and annotation holding the index of a
	// pod in an Indexed Job.
	CompletionIndexKey = "batch.kubernetes.io/job-completion-index"
	// legacyCompletionIndexKey is used by clusters older than 1.24.
	legacyCompletionIndexKey = "job-completion-index"
)

// NewKubernetesClient creates a client from a kubeconfig file, or from the
// in-cluster service account when kubeconfig is empty.
func NewKubernetesClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrDiscoveryFailed, err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrDiscoveryFailed, err)
	}
	return client, nil
}

// KubernetesSource lists and watches the pods of an Indexed Job. A pod is
// ready once it is Running, its Ready condition is true and it has an IP.
type KubernetesSource struct {
	client    kubernetes.Interface
	namespace string
	jobName   string
	port      int
	selector  string
}

// NewKubernetesSource creates a source for the pods of jobName. Peers are
// reached at podIP:port.
func NewKubernetesSource(client kubernetes.Interface, namespace, jobName string, port int) *KubernetesSource {
	return &KubernetesSource{
		client:    client,
		namespace: namespace,
		jobName:   jobName,
		port:      port,
		selector:  labels.SelectorFromSet(labels.Set{JobNameLabel: jobName}).String(),
	}
}

// Watch implements Source. Each pass lists the pods, emits them as a
// snapshot and then follows the watch from the listed resource version
// until the server closes it.
func (s *KubernetesSource) Watch(ctx context.Context) <-chan WatchResp {
	ch := make(chan WatchResp, 8)
	go func() {
		defer close(ch)
		if err := s.watch(ctx, ch); err != nil {
			select {
			case ch <- WatchResp{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}

func (s *KubernetesSource) watch(ctx context.Context, ch chan<- WatchResp) error {
	job, err := s.client.BatchV1().Jobs(s.namespace).Get(ctx, s.jobName, metav1.GetOptions{})
	if err != nil {
		return s.handleAPIError(ctx, err, "get job")
	}
	size := jobSize(job)

	pods, err := s.client.CoreV1().Pods(s.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: s.selector,
	})
	if err != nil {
		return s.handleAPIError(ctx, err, "list pods")
	}
	events := make([]Event, 0, len(pods.Items)+1)
	events = append(events, Event{Type: EventSize, Size: size})
	for i := range pods.Items {
		if ev, ok := s.podEvent(&pods.Items[i], job); ok {
			events = append(events, ev)
		}
	}
	if !send(ctx, ch, WatchResp{Events: events, Snapshot: true}) {
		return nil
	}

	watcher, err := s.client.CoreV1().Pods(s.namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector:   s.selector,
		ResourceVersion: pods.ResourceVersion,
	})
	if err != nil {
		return s.handleAPIError(ctx, err, "watch pods")
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case wev, ok := <-watcher.ResultChan():
			if !ok {
				return nil
			}
			resp, err := s.watchEvent(ctx, wev, job)
			if err != nil {
				return err
			}
			if resp == nil {
				continue
			}
			if !send(ctx, ch, *resp) {
				return nil
			}
		}
	}
}

// watchEvent translates one watch event. It returns nil for events that do
// not change the membership.
func (s *KubernetesSource) watchEvent(
	ctx context.Context, wev watch.Event, job *batchv1.Job,
) (*WatchResp, error) {
	switch wev.Type {
	case watch.Error:
		status := apierrors.FromObject(wev.Object)
		if apierrors.IsResourceExpired(status) || apierrors.IsGone(status) {
			// The pass ends and the next one re-lists.
			log.Info("pod watch expired", zap.String("job", s.jobName), zap.Error(status))
			return nil, nil
		}
		return nil, s.handleAPIError(ctx, status, "watch pods")
	case watch.Added, watch.Modified, watch.Deleted:
	default:
		return nil, nil
	}

	pod, ok := wev.Object.(*corev1.Pod)
	if !ok || pod.Labels[JobNameLabel] != s.jobName {
		return nil, nil
	}
	if wev.Type == watch.Deleted {
		index, ok := podIndex(pod)
		if !ok {
			return nil, nil
		}
		return &WatchResp{Events: []Event{{Type: EventDeleted, Index: index, Name: pod.Name}}}, nil
	}
	if pod.Status.Phase == corev1.PodFailed {
		// The job status decides whether the failure is final.
		latest, err := s.client.BatchV1().Jobs(s.namespace).Get(ctx, s.jobName, metav1.GetOptions{})
		if err != nil {
			return nil, s.handleAPIError(ctx, err, "get job")
		}
		*job = *latest
	}
	ev, ok := s.podEvent(pod, job)
	if !ok {
		return nil, nil
	}
	return &WatchResp{Events: []Event{ev}}, nil
}

func (s *KubernetesSource) podEvent(pod *corev1.Pod, job *batchv1.Job) (Event, bool) {
	index, ok := podIndex(pod)
	if !ok {
		log.Warn("pod has no completion index, ignored",
			zap.String("pod", pod.Name), zap.String("job", s.jobName))
		return Event{}, false
	}
	ev := Event{Type: EventPending, Index: index, Name: pod.Name}
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		// Its workers are done, so it is only reachable for as long as its
		// address stays valid.
		if pod.Status.PodIP != "" {
			ev.Type = EventReady
			ev.Addr = s.addr(pod.Status.PodIP)
		}
	case corev1.PodFailed:
		if failed, reason := jobFailed(job); failed {
			ev.Type = EventTerminal
			ev.Reason = fmt.Sprintf("pod %s failed and job %s will not retry: %s", pod.Name, s.jobName, reason)
		}
	case corev1.PodRunning:
		if pod.DeletionTimestamp == nil && isPodReady(pod) && pod.Status.PodIP != "" {
			ev.Type = EventReady
			ev.Addr = s.addr(pod.Status.PodIP)
		}
	}
	return ev, true
}

func (s *KubernetesSource) addr(podIP string) string {
	return net.JoinHostPort(podIP, strconv.Itoa(s.port))
}

func (s *KubernetesSource) handleAPIError(ctx context.Context, err error, action string) error {
	switch {
	case ctx.Err() != nil:
		return errors.Trace(ctx.Err())
	case apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err):
		return cerror.ErrDiscoveryForbidden.Wrap(err).GenWithStackByArgs(s.jobName)
	case apierrors.IsNotFound(err):
		return cerror.WrapError(cerror.ErrDiscoveryFailed, errors.Annotate(err, action))
	default:
		// Transient failures end the pass, the next one starts over.
		log.Warn("kubernetes api request failed",
			zap.String("action", action), zap.String("job", s.jobName), zap.Error(err))
		return nil
	}
}

func send(ctx context.Context, ch chan<- WatchResp, resp WatchResp) bool {
	select {
	case ch <- resp:
		return true
	case <-ctx.Done():
		return false
	}
}

func podIndex(pod *corev1.Pod) (int, bool) {
	for _, key := range []string{CompletionIndexKey, legacyCompletionIndexKey} {
		value, ok := pod.Labels[key]
		if !ok {
			value, ok = pod.Annotations[key]
		}
		if !ok {
			continue
		}
		index, err := strconv.Atoi(value)
		if err != nil {
			return 0, false
		}
		return index, true
	}
	return 0, false
}

func isPodReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func jobSize(job *batchv1.Job) int {
	if job.Spec.Completions != nil {
		return int(*job.Spec.Completions)
	}
	if job.Spec.Parallelism != nil {
		return int(*job.Spec.Parallelism)
	}
	return 1
}

func jobFailed(job *batchv1.Job) (bool, string) {
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			return true, cond.Reason
		}
	}
	if job.Spec.BackoffLimit != nil && job.Status.Failed > *job.Spec.BackoffLimit {
		return true, "backoff limit exceeded"
	}
	return false, ""
}
