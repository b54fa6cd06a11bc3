package managers

import (
	"context"
	"fmt"
	"log"
	"path"

	"github.com/canonical/buildd-worker/internal/backend"
	"github.com/canonical/buildd-worker/internal/filecache"
	"github.com/canonical/buildd-worker/internal/statemachine"
	"golang.org/x/xerrors"
)

const (
	stateCIPrepare statemachine.State = "PREPARE"
	stateCIRunJob  statemachine.State = "RUN_JOB"
)

// Job result strings; these must match the RevisionStatusResult
// enumeration items the dispatcher records.
const (
	resultSucceeded = "SUCCEEDED"
	resultFailed    = "FAILED"
)

// CIJob identifies one job within a pipeline stage by name and index.
type CIJob struct {
	Name  string
	Index int
}

// ID is the "<name>:<index>" form used for status keys and log names.
func (j CIJob) ID() string {
	return fmt.Sprintf("%s:%d", j.Name, j.Index)
}

// CI runs a CI pipeline: an ordered list of stages, each an ordered list
// of jobs. Jobs within a stage run sequentially and all of them run even
// if one fails; a stage with any failed job stops the pipeline. Job
// logs and output files are published incrementally
// through the extra status file, so the dispatcher can fetch them
// without waiting for the whole pipeline.
type CI struct {
	Backend backend.Backend
	Cache   *filecache.Cache
	Logger  *log.Logger

	// StatusPath is where job results are persisted after every job.
	StatusPath string

	proxy      buildProxy
	jobs       [][]CIJob
	stageIndex int
	jobIndex   int
	jobStatus  map[string]interface{}
}

func NewCI(be backend.Backend, cache *filecache.Cache, statusPath string, logger *log.Logger) *CI {
	return &CI{
		Backend:    be,
		Cache:      cache,
		Logger:     logger,
		StatusPath: statusPath,
		proxy:      buildProxy{Logger: logger},
		jobStatus:  map[string]interface{}{},
	}
}

func (m *CI) Tag() string                      { return "ci" }
func (m *CI) InitialState() statemachine.State { return stateCIPrepare }
func (m *CI) SanitizesLog() bool               { return true }

// loadJobs parses extra_args.jobs: a list of stages, each a list of
// (job_name, job_index) pairs.
func (m *CI) loadJobs(b *statemachine.Build) [][]CIJob {
	if m.jobs != nil {
		return m.jobs
	}
	raw, _ := b.ExtraArgs["jobs"].([]interface{})
	stages := make([][]CIJob, 0, len(raw))
	for _, rawStage := range raw {
		entries, ok := rawStage.([]interface{})
		if !ok {
			continue
		}
		stage := make([]CIJob, 0, len(entries))
		for _, rawJob := range entries {
			pair, ok := rawJob.([]interface{})
			if !ok || len(pair) != 2 {
				continue
			}
			name, _ := pair[0].(string)
			index := 0
			switch v := pair[1].(type) {
			case float64:
				index = int(v)
			case int:
				index = v
			}
			stage = append(stage, CIJob{Name: name, Index: index})
		}
		stages = append(stages, stage)
	}
	m.jobs = stages
	return stages
}

func (m *CI) currentJob(b *statemachine.Build) (CIJob, bool) {
	jobs := m.loadJobs(b)
	if m.stageIndex >= len(jobs) || m.jobIndex >= len(jobs[m.stageIndex]) {
		return CIJob{}, false
	}
	return jobs[m.stageIndex][m.jobIndex], true
}

func (m *CI) Command(b *statemachine.Build, state statemachine.State) ([]string, error) {
	switch state {
	case stateCIPrepare:
		extra, err := m.proxy.start(b)
		if err != nil {
			return nil, err
		}
		channels := b.ExtraArgMap("channels")
		for _, snap := range sortedKeys(channels) {
			extra = append(extra, "--channel", snap+"="+channels[snap])
		}
		if branch := b.ExtraArg("branch"); branch != "" {
			extra = append(extra, "--branch", branch)
		}
		if repo := b.ExtraArg("git_repository"); repo != "" {
			extra = append(extra, "--git-repository", repo)
		}
		if gitPath := b.ExtraArg("git_path"); gitPath != "" {
			extra = append(extra, "--git-path", gitPath)
		}
		if b.ExtraArgBool("scan_malware") {
			extra = append(extra, "--scan-malware")
		}
		return targetArgs(m.Backend, b, "run-ci-prepare", extra...), nil

	case stateCIRunJob:
		job, ok := m.currentJob(b)
		if !ok {
			return nil, xerrors.New("managers: ci: no current job")
		}
		extra, err := m.proxy.start(b)
		if err != nil {
			return nil, err
		}
		for _, repo := range b.ExtraArgList("package_repositories") {
			extra = append(extra, "--apt-repository", repo)
		}
		envVars := b.ExtraArgMap("environment_variables")
		for _, k := range sortedKeys(envVars) {
			extra = append(extra, "--environment-variable", k+"="+envVars[k])
		}
		plugins := b.ExtraArgMap("plugin_settings")
		for _, k := range sortedKeys(plugins) {
			extra = append(extra, "--plugin-setting", k+"="+plugins[k])
		}
		extra = append(extra, job.Name, fmt.Sprint(job.Index))
		return targetArgs(m.Backend, b, "run-ci", extra...), nil

	default:
		return nil, xerrors.Errorf("managers: ci: unexpected state %s", state)
	}
}

func (m *CI) Iterate(ctx context.Context, b *statemachine.Build, state statemachine.State, exitCode int) (statemachine.State, error) {
	switch state {
	case stateCIPrepare:
		return m.iteratePrepare(b, exitCode)
	case stateCIRunJob:
		return m.iterateRunJob(b, exitCode)
	default:
		return statemachine.StateUmount, xerrors.Errorf("managers: ci: unexpected state %s", state)
	}
}

func (m *CI) iteratePrepare(b *statemachine.Build, exitCode int) (statemachine.State, error) {
	m.stageIndex = 0
	m.jobIndex = 0
	switch {
	case exitCode == statemachine.ExitSuccess:
	case exitCode >= statemachine.ExitFailureInstall && exitCode <= statemachine.ExitFailureBuild:
		if m.Logger != nil {
			m.Logger.Printf("build %s: CI preparation failed", b.ID)
		}
		b.Fail(statemachine.StatusPACKAGEFAIL)
	default:
		b.Fail(statemachine.StatusBUILDERFAIL)
	}

	if _, ok := m.currentJob(b); ok && !b.AlreadyFailed {
		return stateCIRunJob, nil
	}
	return m.stop(b)
}

func (m *CI) iterateRunJob(b *statemachine.Build, exitCode int) (statemachine.State, error) {
	jobs := m.loadJobs(b)
	job, ok := m.currentJob(b)
	if !ok {
		return statemachine.StateUmount, xerrors.New("managers: ci: no current job")
	}

	result := resultSucceeded
	if exitCode != statemachine.ExitSuccess {
		result = resultFailed
		if exitCode >= statemachine.ExitFailureInstall && exitCode <= statemachine.ExitFailureBuild {
			if m.Logger != nil {
				m.Logger.Printf("build %s: job %s failed", b.ID, job.ID())
			}
			if len(jobs[m.stageIndex]) == 1 {
				// Single-job stage: fail straight away for a simpler
				// error message.
				b.Fail(statemachine.StatusPACKAGEFAIL)
			}
		} else {
			b.Fail(statemachine.StatusBUILDERFAIL)
		}
	}

	if err := m.gatherJob(b, job); err != nil {
		if m.Logger != nil {
			m.Logger.Printf("build %s: failed to gather job %s: %v", b.ID, job.ID(), err)
		}
		b.Fail(statemachine.StatusPACKAGEFAIL)
	}
	m.setJobResult(b, job, result)

	m.jobIndex++
	if m.jobIndex >= len(jobs[m.stageIndex]) {
		// End of stage: a failed job anywhere in it stops the pipeline.
		if m.stageFailed(jobs[m.stageIndex]) {
			if m.Logger != nil {
				m.Logger.Printf("build %s: some jobs in stage %d failed; stopping", b.ID, m.stageIndex)
			}
			b.Fail(statemachine.StatusPACKAGEFAIL)
		}
		m.stageIndex++
		m.jobIndex = 0
	}

	if _, ok := m.currentJob(b); ok && !b.AlreadyFailed {
		return stateCIRunJob, nil
	}
	return m.stop(b)
}

// stop finishes the proxy and hands control back to the generic
// lifecycle. A pipeline that got this far without latching a failure
// succeeded.
func (m *CI) stop(b *statemachine.Build) (statemachine.State, error) {
	m.proxy.finish(b)
	if !b.AlreadyFailed {
		b.BuildStatus = statemachine.StatusOK
	}
	return statemachine.StateUmount, nil
}

func (m *CI) stageFailed(stage []CIJob) bool {
	for _, job := range stage {
		status, _ := m.jobStatus[job.ID()].(map[string]interface{})
		if status == nil || status["result"] != resultSucceeded {
			return true
		}
	}
	return false
}

// gatherJob collects the completed job's log and output files into the
// cache immediately, rather than waiting for the pipeline to finish.
func (m *CI) gatherJob(b *statemachine.Build, job CIJob) error {
	status := map[string]interface{}{}
	outputDir := path.Join("/build", "output", job.Name, fmt.Sprint(job.Index))

	logPath := path.Join(outputDir, "log")
	if exists, err := m.Backend.PathExists(logPath); err == nil && exists {
		logName := job.ID() + ".log"
		if err := addWaitingFileFromBackend(m.Backend, m.Cache, b, logPath, logName); err != nil {
			return err
		}
		status["log"] = b.WaitingFiles[logName]
	}

	names, err := m.Backend.Find(outputDir, false)
	if err == nil {
		output := map[string]interface{}{}
		for _, name := range names {
			if name == "log" {
				continue
			}
			p := path.Join(outputDir, name)
			if link, err := m.Backend.IsLink(p); err != nil || link {
				continue
			}
			base := path.Base(name)
			waitingName := path.Join(job.ID(), base)
			if err := addWaitingFileFromBackend(m.Backend, m.Cache, b, p, waitingName); err != nil {
				return err
			}
			output[base] = b.WaitingFiles[waitingName]
		}
		if len(output) > 0 {
			status["output"] = output
		}
	}

	m.jobStatus[job.ID()] = status
	return nil
}

// setJobResult records the job's result and persists the whole job map
// so the dispatcher sees it on its next status poll.
func (m *CI) setJobResult(b *statemachine.Build, job CIJob, result string) {
	status, _ := m.jobStatus[job.ID()].(map[string]interface{})
	if status == nil {
		status = map[string]interface{}{}
	}
	status["result"] = result
	m.jobStatus[job.ID()] = status

	if err := b.WriteStatus(m.StatusPath, map[string]interface{}{"jobs": m.jobStatus}); err != nil && m.Logger != nil {
		m.Logger.Printf("build %s: writing job status: %v", b.ID, err)
	}
}

// GatherResults is a no-op: CI results are gathered per job as each one
// completes.
func (m *CI) GatherResults(ctx context.Context, b *statemachine.Build) error {
	return nil
}

var _ statemachine.Manager = (*CI)(nil)
