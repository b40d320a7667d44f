package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hewenyu/fleet-orchestrator/pkg/model"
)

// EtcdOptions 定义etcd配置存储参数
type EtcdOptions struct {
	Endpoints      []string
	Username       string
	Password       string
	Namespace      string        // key前缀，如 "/fleet-orchestrator"
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// EtcdStore 把服务定义以JSON形式保存在etcd中，
// key布局为 <namespace>/services/<service_id>
type EtcdStore struct {
	client *clientv3.Client
	opts   EtcdOptions
}

// NewEtcdStore 创建etcd配置存储
func NewEtcdStore(opts EtcdOptions) (*EtcdStore, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 3 * time.Second
	}
	opts.Namespace = strings.TrimSuffix(opts.Namespace, "/")

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		Username:    opts.Username,
		Password:    opts.Password,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}

	return &EtcdStore{
		client: client,
		opts:   opts,
	}, nil
}

// serviceKey 返回服务定义的存储key
func (s *EtcdStore) serviceKey(serviceID string) string {
	return s.opts.Namespace + "/services/" + serviceID
}

// SaveService 保存或覆盖一个服务定义
func (s *EtcdStore) SaveService(ctx context.Context, service *model.Service) error {
	if service == nil || service.ID == "" {
		return model.NewInvalidArgumentError("服务定义无效")
	}

	data, err := json.Marshal(service)
	if err != nil {
		return fmt.Errorf("序列化服务定义失败 [%s]: %w", service.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	if _, err := s.client.Put(ctx, s.serviceKey(service.ID), string(data)); err != nil {
		return fmt.Errorf("etcd保存服务定义失败 [%s]: %w", service.ID, err)
	}
	return nil
}

// DeleteService 删除一个服务定义
func (s *EtcdStore) DeleteService(ctx context.Context, serviceID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	if _, err := s.client.Delete(ctx, s.serviceKey(serviceID)); err != nil {
		return fmt.Errorf("etcd删除服务定义失败 [%s]: %w", serviceID, err)
	}
	return nil
}

// LoadServices 加载全部服务定义，无法解析的记录跳过
func (s *EtcdStore) LoadServices(ctx context.Context) ([]*model.Service, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	prefix := s.opts.Namespace + "/services/"
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd加载服务定义失败: %w", err)
	}

	services := make([]*model.Service, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var svc model.Service
		if err := json.Unmarshal(kv.Value, &svc); err != nil {
			continue
		}
		services = append(services, &svc)
	}
	return services, nil
}

// Close 关闭etcd客户端连接
func (s *EtcdStore) Close() error {
	return s.client.Close()
}
