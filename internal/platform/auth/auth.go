// Package auth 设备接入鉴权，JWT 签发与校验加设备凭证存储
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"echolink-server/internal/platform/auth/store"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
	"echolink-server/internal/platform/logging"
)

// CloseCodeAuthFailure 鉴权失败时的 WebSocket 关闭码
const CloseCodeAuthFailure = 4401

// Authenticator 签发并校验设备令牌
type Authenticator struct {
	cfg       config.AuthConfig
	store     store.Store
	logger    *logging.Logger
	allowlist map[string]struct{}
	ttl       time.Duration
}

// NewAuthenticator 构造鉴权器，store 允许为空（仅限 disabled 场景）
func NewAuthenticator(cfg config.AuthConfig, st store.Store, logger *logging.Logger) (*Authenticator, error) {
	if cfg.Enabled && cfg.Secret == "" {
		return nil, errors.New(errors.KindConfig, "auth", "鉴权已启用但未配置签名密钥")
	}
	allow := make(map[string]struct{}, len(cfg.Devices))
	for _, id := range cfg.Devices {
		allow[id] = struct{}{}
	}
	ttl := cfg.Store.Expiry
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{
		cfg:       cfg,
		store:     st,
		logger:    logger,
		allowlist: allow,
		ttl:       ttl,
	}, nil
}

// Enabled 鉴权是否开启
func (a *Authenticator) Enabled() bool {
	return a.cfg.Enabled
}

type deviceClaims struct {
	jwt.RegisteredClaims
}

// IssueToken 为设备签发 HS256 令牌并登记到存储
func (a *Authenticator) IssueToken(ctx context.Context, deviceID string) (string, error) {
	if deviceID == "" {
		return "", errors.New(errors.KindAuth, "auth.issue", "设备 ID 不能为空")
	}
	now := time.Now()
	exp := now.Add(a.ttl)
	claims := deviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.Secret))
	if err != nil {
		return "", errors.Wrap(errors.KindAuth, "auth.issue", "令牌签发失败", err)
	}

	if a.store != nil {
		rec := store.DeviceRecord{
			DeviceID:  deviceID,
			Token:     token,
			CreatedAt: now,
			ExpiresAt: &exp,
		}
		if err := a.store.Put(ctx, rec); err != nil {
			return "", errors.Wrap(errors.KindAuth, "auth.issue", "凭证登记失败", err)
		}
	}
	a.logger.InfoTag("连接", "已为设备签发令牌 device=%s expires=%s", deviceID, exp.Format(time.RFC3339))
	return token, nil
}

// Verify 校验设备携带的 Authorization 头，鉴权关闭或命中白名单直接放行
func (a *Authenticator) Verify(ctx context.Context, deviceID, authorization string) error {
	if !a.cfg.Enabled {
		return nil
	}
	if deviceID == "" {
		return errors.New(errors.KindAuth, "auth.verify", "缺少设备 ID")
	}
	if _, ok := a.allowlist[deviceID]; ok {
		return nil
	}

	raw := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	if raw == "" {
		return errors.New(errors.KindAuth, "auth.verify", "缺少访问令牌")
	}

	var claims deviceClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New(errors.KindAuth, "auth.verify", "不支持的签名算法: "+t.Method.Alg())
		}
		return []byte(a.cfg.Secret), nil
	})
	if err != nil || !token.Valid {
		return errors.Wrap(errors.KindAuth, "auth.verify", "令牌无效", err)
	}
	if claims.Subject != deviceID {
		return errors.New(errors.KindAuth, "auth.verify", "令牌与设备不匹配")
	}

	// 存储里留有记录说明令牌可能被重签过，以最新登记的为准
	if a.store != nil {
		rec, err := a.store.Get(ctx, deviceID)
		if err == nil && rec.Token != raw {
			return errors.New(errors.KindAuth, "auth.verify", "令牌已被吊销")
		}
	}
	return nil
}

// Revoke 吊销设备当前令牌
func (a *Authenticator) Revoke(ctx context.Context, deviceID string) error {
	if a.store == nil {
		return nil
	}
	return a.store.Remove(ctx, deviceID)
}
