package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"avatar-studio/app/config"
	"avatar-studio/app/logger"
	"avatar-studio/app/pipeline"
	"avatar-studio/app/service"
	"avatar-studio/app/store"

	"github.com/spf13/cobra"
)

const (
	defaultTitle   = "サンプル講義"
	defaultContent = "こんにちは。本日はオンライン講座へようこそ。これから基本的な使い方を説明します。"
)

// generateOptions generate 命令的参数
type generateOptions struct {
	Title     string
	Content   string
	Presenter string
	Verbose   bool
}

var genOpts generateOptions

var generateCmd = &cobra.Command{
	Use:           "generate",
	Short:         "生成一段讲师视频（内存存储，不落库）",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "❌", err)
			return err
		}

		logCfg := cfg.Log
		logCfg.Output = "stdout"
		logCfg.Level = "error"
		if genOpts.Verbose {
			logCfg.Level = "debug"
		}
		log := logger.New(logCfg)
		defer log.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := runGenerate(ctx, cfg, genOpts, cmd.OutOrStdout(), log); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "❌", err)
			return err
		}
		return nil
	},
}

func init() {
	generateCmd.Flags().StringVar(&genOpts.Title, "title", defaultTitle, "讲稿标题")
	generateCmd.Flags().StringVar(&genOpts.Content, "content", defaultContent, "讲稿内容")
	generateCmd.Flags().StringVar(&genOpts.Presenter, "presenter", "", "讲师形象图片 URL，留空使用配置")
	generateCmd.Flags().BoolVarP(&genOpts.Verbose, "verbose", "v", false, "输出详细日志")
	rootCmd.AddCommand(generateCmd)
}

// runGenerate 在内存存储上跑一次完整流程，并把进度打印到 out
func runGenerate(ctx context.Context, cfg *config.Config, opts generateOptions, out io.Writer, log *logger.Logger) error {
	var missing []error
	if cfg.Pipeline.Mode != pipeline.ModeText && cfg.OpenAI.APIKey == "" {
		missing = append(missing, service.ErrMissingOpenAIKey)
	}
	if cfg.DID.APIKey == "" {
		missing = append(missing, service.ErrMissingDIDKey)
	}
	if len(missing) > 0 {
		return errors.Join(missing...)
	}

	memory := store.NewMemoryStore()
	generator, err := service.NewGenerator(cfg, memory, log)
	if err != nil {
		return err
	}
	defer generator.Close()

	script, err := memory.CreateScript(ctx, 0, opts.Title, opts.Content)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "🎬 %s (%d 字)\n", script.Title, len([]rune(script.Content)))
	reporter := pipeline.ReporterFunc(func(state pipeline.ProgressState) {
		if state.CurrentStep == pipeline.StepError {
			fmt.Fprintf(out, "[%3d%%] %s %s (%s)\n", state.ProgressPercent, state.CurrentStep, state.Error, state.ErrorKind)
			return
		}
		fmt.Fprintf(out, "[%3d%%] %s %s\n", state.ProgressPercent, state.CurrentStep, state.Message)
	})

	result, err := generator.Generate(ctx, script.ID, pipeline.GenerateOptions{
		Presenter: opts.Presenter,
		Reporter:  reporter,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "✅ 视频地址: %s\n", result.VideoURL)
	fmt.Fprintf(out, "   讲师形象: %s\n", result.AvatarUsed)
	fmt.Fprintf(out, "   估算时长: %ds\n", result.Duration)
	return nil
}
