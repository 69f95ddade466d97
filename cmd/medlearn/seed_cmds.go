package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"medlearn/internal/store"
)

// seedFile is the YAML layout for content and learner imports.
type seedFile struct {
	Learners []struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		YearOfStudy int    `yaml:"year_of_study"`
		Role        string `yaml:"role"`
	} `yaml:"learners"`
	Items []struct {
		ID             string   `yaml:"id"`
		Stem           string   `yaml:"stem"`
		Options        []string `yaml:"options"`
		CorrectIndex   int      `yaml:"correct_index"`
		Explanation    string   `yaml:"explanation"`
		Year           int      `yaml:"year"`
		BlockID        string   `yaml:"block_id"`
		ThemeID        string   `yaml:"theme_id"`
		TopicID        string   `yaml:"topic_id"`
		ConceptID      string   `yaml:"concept_id"`
		Difficulty     string   `yaml:"difficulty"`
		CognitiveLevel string   `yaml:"cognitive_level"`
		Version        int      `yaml:"version"`
	} `yaml:"items"`
}

var seedCmd = &cobra.Command{
	Use:   "seed [file.yaml]",
	Short: "Import learners and question items from a YAML file",
	Long: `Loads learners and items into the store. Re-importing an item with a
higher version bumps it; sessions created before the bump keep grading
against their frozen copy.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var sf seedFile
		if err := yaml.Unmarshal(data, &sf); err != nil {
			return fmt.Errorf("parse seed file: %w", err)
		}

		ctx := cmd.Context()
		for _, l := range sf.Learners {
			role := l.Role
			if role == "" {
				role = "learner"
			}
			err := app.store.UpsertLearner(ctx, store.Learner{
				ID: l.ID, Name: l.Name, YearOfStudy: l.YearOfStudy,
				Role: role, Active: true,
			})
			if err != nil {
				return fmt.Errorf("learner %s: %w", l.ID, err)
			}
		}

		for _, raw := range sf.Items {
			it := store.Item{
				ID:             raw.ID,
				Stem:           raw.Stem,
				CorrectIndex:   raw.CorrectIndex,
				Explanation:    raw.Explanation,
				Year:           raw.Year,
				BlockID:        raw.BlockID,
				ThemeID:        raw.ThemeID,
				TopicID:        raw.TopicID,
				ConceptID:      raw.ConceptID,
				Difficulty:     raw.Difficulty,
				CognitiveLevel: raw.CognitiveLevel,
				Version:        raw.Version,
			}
			if it.Version == 0 {
				it.Version = 1
			}
			if len(raw.Options) != 5 {
				return fmt.Errorf("item %s: need exactly 5 options, got %d", raw.ID, len(raw.Options))
			}
			copy(it.Options[:], raw.Options)
			if err := app.store.PutItem(ctx, it); err != nil {
				return fmt.Errorf("item %s: %w", raw.ID, err)
			}
		}

		fmt.Printf("imported %d learners, %d items\n", len(sf.Learners), len(sf.Items))
		return nil
	},
}
