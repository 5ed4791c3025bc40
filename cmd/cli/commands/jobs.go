package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/macrea/crmbatch/internal/api/v1/handlers"
	"github.com/macrea/crmbatch/internal/db/models"
	"github.com/macrea/crmbatch/internal/engine"
)

// Job flag names
const (
	flagJobID      = "id"
	flagJobFile    = "file"
	flagJobType    = "type"
	flagConsentID  = "consent-id"
	flagJobLimit   = "limit"
	flagJobOffset  = "offset"
	flagTypeFilter = "job-type"
)

// jobOutput represents the filtered output for a job
type jobOutput struct {
	ID         string  `json:"id"`
	Type       string  `json:"job_type"`
	Operation  string  `json:"operation_name"`
	Status     string  `json:"status"`
	Validation string  `json:"validation_status"`
	Total      int     `json:"total_items"`
	Processed  int     `json:"processed_items"`
	Success    int     `json:"success_count"`
	Failed     int     `json:"fail_count"`
	Skipped    int     `json:"skip_count"`
	Progress   int     `json:"progress_percent"`
	ETA        string  `json:"eta,omitempty"`
	Created    string  `json:"created_at"`
}

// jobListOutput represents the filtered output for a list of jobs
type jobListOutput struct {
	Jobs []jobOutput `json:"jobs"`
}

func init() {
	jobsCmd.AddCommand(submitJobCmd)
	jobsCmd.AddCommand(importCSVCmd)
	jobsCmd.AddCommand(getJobCmd)
	jobsCmd.AddCommand(listJobsCmd)
	jobsCmd.AddCommand(jobErrorsCmd)
	jobsCmd.AddCommand(approveJobCmd)
	jobsCmd.AddCommand(cancelJobCmd)

	// Add flags for submit
	submitJobCmd.Flags().StringP(flagJobFile, "f", "", "Path to a JSON file describing the job")
	_ = submitJobCmd.MarkFlagRequired(flagJobFile)

	// Add flags for import
	importCSVCmd.Flags().StringP(flagJobFile, "f", "", "Path to the CSV file to import")
	_ = importCSVCmd.MarkFlagRequired(flagJobFile)

	// Add flags for get
	getJobCmd.Flags().StringP(flagJobID, "i", "", "Job ID")
	_ = getJobCmd.MarkFlagRequired(flagJobID)

	// Add flags for list
	listJobsCmd.Flags().Int(flagJobLimit, 0, "Limit the number of jobs returned")
	listJobsCmd.Flags().Int(flagJobOffset, 0, "Offset for paginating jobs")
	listJobsCmd.Flags().String(flagTypeFilter, "", "Filter jobs by type (import, bulk_update, bulk_delete)")

	// Add flags for errors
	jobErrorsCmd.Flags().StringP(flagJobID, "i", "", "Job ID")
	_ = jobErrorsCmd.MarkFlagRequired(flagJobID)

	// Add flags for approve
	approveJobCmd.Flags().StringP(flagJobID, "i", "", "Job ID")
	approveJobCmd.Flags().StringP(flagConsentID, "c", "", "Consent ticket ID recorded with the approval")
	_ = approveJobCmd.MarkFlagRequired(flagJobID)

	// Add flags for cancel
	cancelJobCmd.Flags().StringP(flagJobID, "i", "", "Job ID")
	_ = cancelJobCmd.MarkFlagRequired(flagJobID)
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage batch jobs",
}

var submitJobCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a batch job described by a JSON file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		filePath, err := cmd.Flags().GetString(flagJobFile)
		if err != nil {
			return fmt.Errorf("error getting file flag: %w", err)
		}

		data, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("error reading job file: %w", err)
		}

		var req handlers.CreateJobRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("error parsing job file: %w", err)
		}

		resp, err := apiClient.CreateJob(context.Background(), req)
		if err != nil {
			return fmt.Errorf("error creating job: %w", err)
		}

		printCreateResult(resp)
		return nil
	},
}

var importCSVCmd = &cobra.Command{
	Use:   "import",
	Short: "Submit a CSV lead import job",
	RunE: func(cmd *cobra.Command, _ []string) error {
		filePath, err := cmd.Flags().GetString(flagJobFile)
		if err != nil {
			return fmt.Errorf("error getting file flag: %w", err)
		}

		data, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("error reading CSV file: %w", err)
		}

		resp, err := apiClient.ImportCSV(context.Background(), filepath.Base(filePath), data)
		if err != nil {
			return fmt.Errorf("error submitting import: %w", err)
		}

		printCreateResult(resp)
		return nil
	},
}

var getJobCmd = &cobra.Command{
	Use:   "get",
	Short: "Get a specific job by its ID",
	RunE: func(cmd *cobra.Command, _ []string) error {
		jobID, err := cmd.Flags().GetString(flagJobID)
		if err != nil {
			return fmt.Errorf("error getting job ID flag: %w", err)
		}

		job, err := apiClient.GetJob(context.Background(), jobID)
		if err != nil {
			return fmt.Errorf("error getting job: %w", err)
		}

		prettyJSON, err := json.MarshalIndent(toJobOutput(job), "", "  ")
		if err != nil {
			return fmt.Errorf("error formatting response: %w", err)
		}
		fmt.Println(string(prettyJSON))
		return nil
	},
}

var listJobsCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tenant's jobs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt(flagJobLimit)
		offset, _ := cmd.Flags().GetInt(flagJobOffset)
		typeFilter, _ := cmd.Flags().GetString(flagTypeFilter)

		listOpts := &models.ListOptions{
			Limit:  limit,
			Offset: offset,
		}
		if typeFilter != "" {
			jobType, err := models.ParseJobType(typeFilter)
			if err != nil {
				return err
			}
			listOpts.JobType = &jobType
		}

		jobs, err := apiClient.ListJobs(context.Background(), listOpts)
		if err != nil {
			return fmt.Errorf("error listing jobs: %w", err)
		}

		if len(jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}

		output := jobListOutput{
			Jobs: make([]jobOutput, len(jobs)),
		}
		for i := range jobs {
			output.Jobs[i] = toJobOutput(&jobs[i])
		}

		prettyJSON, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			return fmt.Errorf("error formatting response: %w", err)
		}
		fmt.Println(string(prettyJSON))
		return nil
	},
}

var jobErrorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Show the sampled errors recorded for a job",
	RunE: func(cmd *cobra.Command, _ []string) error {
		jobID, err := cmd.Flags().GetString(flagJobID)
		if err != nil {
			return fmt.Errorf("error getting job ID flag: %w", err)
		}

		errs, err := apiClient.GetJobErrors(context.Background(), jobID)
		if err != nil {
			return fmt.Errorf("error getting job errors: %w", err)
		}

		prettyJSON, err := json.MarshalIndent(errs, "", "  ")
		if err != nil {
			return fmt.Errorf("error formatting response: %w", err)
		}
		fmt.Println(string(prettyJSON))
		return nil
	},
}

var approveJobCmd = &cobra.Command{
	Use:   "approve",
	Short: "Approve a job held for validation",
	RunE: func(cmd *cobra.Command, _ []string) error {
		jobID, err := cmd.Flags().GetString(flagJobID)
		if err != nil {
			return fmt.Errorf("error getting job ID flag: %w", err)
		}
		consentID, _ := cmd.Flags().GetString(flagConsentID)

		resp, err := apiClient.ApproveJob(context.Background(), jobID, consentID)
		if err != nil {
			return fmt.Errorf("error approving job: %w", err)
		}

		if resp.Started {
			fmt.Printf("Job %s approved and started\n", jobID)
		} else {
			fmt.Printf("Job %s approved, queued as %s\n", jobID, resp.Status)
		}
		return nil
	},
}

var cancelJobCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a job",
	RunE: func(cmd *cobra.Command, _ []string) error {
		jobID, err := cmd.Flags().GetString(flagJobID)
		if err != nil {
			return fmt.Errorf("error getting job ID flag: %w", err)
		}

		if err := apiClient.CancelJob(context.Background(), jobID); err != nil {
			return fmt.Errorf("error cancelling job: %w", err)
		}

		fmt.Printf("Job %s cancellation request submitted successfully\n", jobID)
		return nil
	},
}

func printCreateResult(resp *handlers.CreateJobResponse) {
	fmt.Printf("Job %s created with status %s (%d items)\n", resp.JobID, resp.Status, resp.TotalItems)
	switch {
	case resp.Started:
		fmt.Println("Processing started.")
	case resp.Status == models.JobStatusAwaitingValidation:
		fmt.Printf("Job awaits approval; run 'crmbatch jobs approve -i %s' to start it.\n", resp.JobID)
	default:
		fmt.Printf("Queued at position %d.\n", resp.Position)
	}
}

func toJobOutput(job *engine.JobStatusView) jobOutput {
	out := jobOutput{
		ID:         job.ID,
		Type:       string(job.JobType),
		Operation:  job.OperationName,
		Status:     string(job.Status),
		Validation: string(job.ValidationStatus),
		Total:      job.TotalItems,
		Processed:  job.ProcessedItems,
		Success:    job.SuccessCount,
		Failed:     job.FailCount,
		Skipped:    job.SkipCount,
		Progress:   job.ProgressPercent,
		Created:    job.CreatedAt.Format("2006-01-02 15:04:05"),
	}
	if job.ETA != nil {
		out.ETA = *job.ETA
	}
	return out
}

// GetJobsCmd returns the jobs command
func GetJobsCmd() *cobra.Command {
	return jobsCmd
}
