package openaitts

import (
	"context"
	"fmt"

	"avatar-studio/app/pipeline"

	"github.com/google/uuid"
)

// AudioUploader 把音频上传到数字人服务可访问的位置
type AudioUploader interface {
	UploadAudio(ctx context.Context, filename string, data []byte) (string, error)
}

// Synthesizer 合成语音并上传，返回音频引用
type Synthesizer struct {
	client   *Client
	uploader AudioUploader
}

var _ pipeline.SpeechSynthesizer = (*Synthesizer)(nil)

func NewSynthesizer(client *Client, uploader AudioUploader) *Synthesizer {
	return &Synthesizer{client: client, uploader: uploader}
}

func (s *Synthesizer) Synthesize(ctx context.Context, text string) (string, error) {
	speech, err := s.client.Synthesize(ctx, text)
	if err != nil {
		return "", err
	}

	filename := fmt.Sprintf("speech-%s.%s", uuid.NewString(), speech.Format)
	return s.uploader.UploadAudio(ctx, filename, speech.Audio)
}
