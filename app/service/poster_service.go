package service

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"avatar-studio/app/logger"
	"avatar-studio/app/model"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"resty.dev/v3"
)

const (
	posterWidth  = 1280
	posterHeight = 720
	posterPad    = 48.0
)

// PosterService 用讲师形象和讲稿标题生成 16:9 封面
type PosterService struct {
	log      *logger.Logger
	client   *resty.Client
	dir      string
	fontPath string

	fontOnce sync.Once
	font     *opentype.Font
	fontErr  error
}

// NewPosterService fontPath 为空时使用内置 Go 字体
func NewPosterService(log *logger.Logger, dir, fontPath string) *PosterService {
	if dir == "" {
		dir = "data/posters"
	}
	client := resty.New()
	client.SetTimeout(30 * time.Second)

	return &PosterService{
		log:      log,
		client:   client,
		dir:      dir,
		fontPath: fontPath,
	}
}

// Close 释放连接
func (s *PosterService) Close() error {
	return s.client.Close()
}

// Path 封面文件路径
func (s *PosterService) Path(scriptID string) string {
	return filepath.Join(s.dir, scriptID+".png")
}

// Render 生成封面；已存在且比讲稿新的封面直接复用
func (s *PosterService) Render(ctx context.Context, script *model.Script, imageURL string) (string, error) {
	path := s.Path(script.ID)
	if info, err := os.Stat(path); err == nil && info.ModTime().After(script.UpdatedAt) {
		return path, nil
	}

	resp, err := s.client.R().SetContext(ctx).Get(imageURL)
	if err != nil {
		return "", fmt.Errorf("下载讲师形象失败: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("下载讲师形象失败: status %d", resp.StatusCode())
	}

	src, err := imaging.Decode(bytes.NewReader(resp.Bytes()), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("解码讲师形象失败: %w", err)
	}
	background := imaging.Fill(src, posterWidth, posterHeight, imaging.Center, imaging.Lanczos)

	dc := gg.NewContextForImage(background)

	// 底部半透明遮罩
	bandHeight := float64(posterHeight) * 0.32
	dc.SetRGBA(0, 0, 0, 0.6)
	dc.DrawRectangle(0, posterHeight-bandHeight, posterWidth, bandHeight)
	dc.Fill()

	titleFace, err := s.face(56)
	if err != nil {
		return "", err
	}
	dc.SetFontFace(titleFace)
	dc.SetColor(color.White)
	dc.DrawStringWrapped(script.Title, posterPad, posterHeight-bandHeight+posterPad, 0, 0,
		posterWidth-2*posterPad, 1.3, gg.AlignLeft)

	captionFace, err := s.face(28)
	if err != nil {
		return "", err
	}
	dc.SetFontFace(captionFace)
	dc.SetRGB(0.85, 0.85, 0.85)
	dc.DrawStringAnchored(caption(script), posterPad, posterHeight-posterPad/2, 0, 0)

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("创建封面目录失败: %w", err)
	}
	if err := dc.SavePNG(path); err != nil {
		return "", fmt.Errorf("保存封面失败: %w", err)
	}

	s.log.Info("封面已生成", zap.String("script_id", script.ID), zap.String("path", path))
	return path, nil
}

func (s *PosterService) face(size float64) (font.Face, error) {
	if s.fontPath != "" {
		face, err := gg.LoadFontFace(s.fontPath, size)
		if err != nil {
			return nil, fmt.Errorf("加载字体失败: %w", err)
		}
		return face, nil
	}

	s.fontOnce.Do(func() {
		s.font, s.fontErr = opentype.Parse(goregular.TTF)
	})
	if s.fontErr != nil {
		return nil, s.fontErr
	}
	return opentype.NewFace(s.font, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
}

func caption(script *model.Script) string {
	parts := []string{}
	if script.Duration > 0 {
		parts = append(parts, fmt.Sprintf("%d:%02d", script.Duration/60, script.Duration%60))
	}
	parts = append(parts, script.UpdatedAt.Format("2006-01-02"))
	return strings.Join(parts, "  ·  ")
}
