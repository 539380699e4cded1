// Package auth 为 HTTP 接口提供基于 API Key 的访问控制。
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"
)

var (
	// ErrMissingKey 表示请求未携带 API Key。
	ErrMissingKey = errors.New("缺少 API Key")
	// ErrInvalidKey 表示 API Key 不匹配。
	ErrInvalidKey = errors.New("API Key 无效")
)

// Subject 是通过认证的调用方。
type Subject struct {
	Name string
}

type credential struct {
	name   string
	digest [32]byte
}

// Service 校验请求携带的 API Key；未配置任何 Key 时处于关闭状态。
type Service struct {
	keys  []credential
	audit *slog.Logger
}

// NewService 解析形如 "name:key" 或 "key" 的条目。
func NewService(entries []string, audit *slog.Logger) *Service {
	s := &Service{audit: audit}
	for i, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, key, ok := strings.Cut(entry, ":")
		if !ok {
			name, key = "key-"+string(rune('a'+i%26)), entry
		}
		s.keys = append(s.keys, credential{name: name, digest: sha256.Sum256([]byte(key))})
	}
	return s
}

// Enabled 报告是否配置了 API Key。
func (s *Service) Enabled() bool {
	return s != nil && len(s.keys) > 0
}

// Authenticate 以常量时间比较摘要，返回匹配的调用方。
func (s *Service) Authenticate(key string) (*Subject, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrMissingKey
	}
	digest := sha256.Sum256([]byte(key))
	var match *Subject
	for _, c := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], c.digest[:]) == 1 {
			match = &Subject{Name: c.name}
		}
	}
	if match == nil {
		return nil, ErrInvalidKey
	}
	return match, nil
}
