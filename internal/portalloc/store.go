package portalloc

import (
	"context"
	"sort"
	"sync"
	"time"
)

// LeaseStore はポートの予約を保持するストア。
// Reserve は有効な予約が無い場合にのみ成功するcompare-and-setでなければならない。
type LeaseStore interface {
	Reserve(ctx context.Context, port int, ttl time.Duration) (bool, error)
	Release(ctx context.Context, port int) error
	Renew(ctx context.Context, port int, ttl time.Duration) (bool, error)
	Reserved(ctx context.Context) ([]int, error)
}

// MemoryLeaseStore はプロセス内のマップで予約を保持するLeaseStore。
// 予約はプロセスの再起動で失われる。
type MemoryLeaseStore struct {
	mu     sync.Mutex
	leases map[int]time.Time // port -> 有効期限
	now    func() time.Time
}

// NewMemoryLeaseStore はMemoryLeaseStoreを生成する。
func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{
		leases: make(map[int]time.Time),
		now:    time.Now,
	}
}

// Reserve は予約が無いか期限切れの場合に予約を記録し、trueを返す。
func (s *MemoryLeaseStore) Reserve(_ context.Context, port int, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.leases[port]; ok && exp.After(now) {
		return false, nil
	}
	s.leases[port] = now.Add(ttl)
	return true, nil
}

// Release は予約を解除する。予約が無くてもエラーにしない。
func (s *MemoryLeaseStore) Release(_ context.Context, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, port)
	return nil
}

// Renew は有効な予約の期限を延長する。予約が無い場合はfalseを返す。
func (s *MemoryLeaseStore) Renew(_ context.Context, port int, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	exp, ok := s.leases[port]
	if !ok || !exp.After(now) {
		return false, nil
	}
	s.leases[port] = now.Add(ttl)
	return true, nil
}

// Reserved は有効な予約中のポートを昇順で返す。期限切れの予約はこの時点で削除する。
func (s *MemoryLeaseStore) Reserved(_ context.Context) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ports := make([]int, 0, len(s.leases))
	for p, exp := range s.leases {
		if !exp.After(now) {
			delete(s.leases, p)
			continue
		}
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports, nil
}

// DeleteExpired は期限切れの予約を削除し、削除件数を返す。
func (s *MemoryLeaseStore) DeleteExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for p, exp := range s.leases {
		if !exp.After(now) {
			delete(s.leases, p)
			n++
		}
	}
	return n, nil
}
