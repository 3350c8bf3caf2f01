package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kdimtricp/imgcaption/internal/ai"
	"github.com/kdimtricp/imgcaption/internal/cli"
	"github.com/kdimtricp/imgcaption/internal/config"
	"github.com/kdimtricp/imgcaption/internal/database"
	"github.com/kdimtricp/imgcaption/internal/models"
	"github.com/kdimtricp/imgcaption/internal/stats"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	v := config.New()
	var skipDB bool

	cmd := &cobra.Command{
		Use:          "check-model",
		Short:        "Inspect the caption model artifacts and the labeled corpus",
		SilenceUsage: true,
	}

	configPath := cli.Flags(cmd, v)
	cli.DatabaseFlags(cmd, v)
	cli.ModelFlags(cmd, v)
	cmd.Flags().BoolVar(&skipDB, "skip-db", false, "Do not report corpus statistics")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		env, err := cli.Load(v, *configPath)
		if err != nil {
			return err
		}
		defer env.Log.Sync()

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "🔍 Checking caption model")
		fmt.Fprintln(out, "=========================")

		modelErr := checkModel(out, env)

		if !skipDB {
			fmt.Fprintln(out)
			if err := checkCorpus(cmd.Context(), out, env); err != nil {
				return err
			}
		}
		return modelErr
	}
	return cmd
}

func checkModel(out io.Writer, env *cli.Env) error {
	cfg := env.Config.Model
	log := zap.NewNop()

	vocab, err := ai.LoadVocabulary(cfg.VocabularyPath)
	if err != nil {
		fmt.Fprintf(out, "❌ Vocabulary: %v\n", err)
		return err
	}
	fmt.Fprintf(out, "✅ Vocabulary: %s (%d words)\n", cfg.VocabularyPath, vocab.Size())

	extractor, err := ai.NewTFLiteFeatureExtractor(ai.TFLiteConfig{Path: cfg.FeatureModelPath, Workers: 1}, log)
	if err != nil {
		fmt.Fprintf(out, "❌ Feature model: %v\n", err)
		return err
	}
	fmt.Fprintf(out, "✅ Feature model: %s (input %dx%d, %d features)\n",
		cfg.FeatureModelPath, extractor.InputSize(), extractor.InputSize(), extractor.FeatureDim())
	extractor.Close()

	seqModel, err := ai.NewTFLiteSequenceModel(ai.TFLiteConfig{Path: cfg.CaptionModelPath, Workers: 1}, log)
	if err != nil {
		fmt.Fprintf(out, "❌ Caption model: %v\n", err)
		return err
	}
	fmt.Fprintf(out, "✅ Caption model: %s (sequence %d, %d features, %d classes)\n",
		cfg.CaptionModelPath, seqModel.SequenceLength(), seqModel.FeatureDim(), seqModel.VocabSize())
	seqModel.Close()

	captioner, err := ai.LoadCaptioner(ai.Config{
		FeatureModelPath: cfg.FeatureModelPath,
		CaptionModelPath: cfg.CaptionModelPath,
		VocabularyPath:   cfg.VocabularyPath,
		MaxCaptionLength: cfg.MaxCaptionLength,
		ImageSize:        cfg.ImageSize,
		Normalization:    cfg.Normalization,
		MaxPixels:        cfg.MaxPixels,
		Workers:          1,
	}, log, nil)
	if err != nil {
		fmt.Fprintf(out, "❌ Artifacts do not agree: %v\n", err)
		return err
	}
	defer captioner.Close()
	fmt.Fprintf(out, "✅ Artifacts consistent, max caption length %d\n", captioner.MaxCaptionLength())
	return nil
}

func checkCorpus(ctx context.Context, out io.Writer, env *cli.Env) error {
	db, err := env.OpenDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	aggregator := stats.NewAggregator(database.NewLabeledImageRepository(db), 0, env.Log.Named("stats"))
	s, err := aggregator.Statistics(ctx)
	if err != nil {
		return fmt.Errorf("failed to compute statistics: %w", err)
	}

	fmt.Fprintf(out, "🖼️  Total images: %d\n", s.Total)
	fmt.Fprintf(out, "   Approved: %d (%.2f%%)\n", s.Approved, s.ApprovalRate)
	fmt.Fprintf(out, "   Corrected: %d\n", s.Corrected)
	fmt.Fprintf(out, "   Verified: %d\n", s.Verified)

	splits := make([]string, 0, len(s.Splits))
	for split := range s.Splits {
		splits = append(splits, string(split))
	}
	sort.Strings(splits)
	for _, split := range splits {
		fmt.Fprintf(out, "   %s: %d\n", split, s.Splits[models.DatasetSplit(split)])
	}

	page, err := aggregator.ListRecordsPage(ctx, 1)
	if err != nil {
		return err
	}
	if len(page.Items) == 0 {
		return nil
	}

	fmt.Fprintln(out, "\nRecent records:")
	for _, li := range page.Items {
		fmt.Fprintf(out, "   %s  %-40q  %s\n", li.ID, li.FinalCaption(), li.ImagePath)
	}
	return nil
}
