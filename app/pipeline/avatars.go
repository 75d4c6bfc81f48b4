package pipeline

import (
	"sync"

	"avatar-studio/app/config"
)

// AvatarPool 当前生效的讲师形象配置，支持热更新；每次运行开始时取快照
type AvatarPool struct {
	mu  sync.RWMutex
	cfg config.AvatarConfig
}

func NewAvatarPool(cfg config.AvatarConfig) *AvatarPool {
	p := &AvatarPool{}
	p.Set(cfg)
	return p
}

// Set 替换配置
func (p *AvatarPool) Set(cfg config.AvatarConfig) {
	fallbacks := make([]string, len(cfg.Fallbacks))
	copy(fallbacks, cfg.Fallbacks)

	p.mu.Lock()
	p.cfg = config.AvatarConfig{Primary: cfg.Primary, Fallbacks: fallbacks}
	p.mu.Unlock()
}

// Snapshot 返回配置副本
func (p *AvatarPool) Snapshot() config.AvatarConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()

	fallbacks := make([]string, len(p.cfg.Fallbacks))
	copy(fallbacks, p.cfg.Fallbacks)
	return config.AvatarConfig{Primary: p.cfg.Primary, Fallbacks: fallbacks}
}

// candidates 按尝试顺序返回去重后的图片列表：指定图片（若有）、主图、备选图
func candidates(avatars config.AvatarConfig, override string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, url := range append([]string{override, avatars.Primary}, avatars.Fallbacks...) {
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		out = append(out, url)
	}
	return out
}
