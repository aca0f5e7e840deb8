package prompt

// Template names.
const (
	ClassifyOutput = "classify-output.md"
	RepoDiagnosis  = "repo-diagnosis.md"
	CIWorkflow     = "ci-workflow.md"
	FixFailure     = "fix-failure.md"
	RunQuery       = "run-query.md"
)

// System messages paired with the templates above.
const (
	SystemClassifier = "You are a test output parser. Return valid JSON only."
	SystemReviewer   = "You are a senior code reviewer. Identify real bugs in real files. Return valid JSON only."
	SystemCIAuthor   = "You are a CI/CD engineer. Output only the workflow YAML, nothing else."
	SystemFixer      = "You are a precise software engineer. You repair one file at a time and output only the complete corrected file."
	SystemExplainer  = "You are an assistant explaining CI healing agent activity. Answer from the execution context provided. Be concise and specific."
)

// builtinTemplates maps template filename to content.
var builtinTemplates = map[string]string{
	ClassifyOutput: classifyOutputTemplate,
	RepoDiagnosis:  repoDiagnosisTemplate,
	CIWorkflow:     ciWorkflowTemplate,
	FixFailure:     fixFailureTemplate,
	RunQuery:       runQueryTemplate,
}

const classifyOutputTemplate = "Analyze this test output and extract each failure as JSON.\n" +
	"For each failure return:\n" +
	"- file_path: string\n" +
	"- test_name: string\n" +
	"- line_number: int\n" +
	"- error_message: string (brief)\n" +
	"- bug_type: one of LINTING, SYNTAX, LOGIC, TYPE_ERROR, IMPORT, INDENTATION\n\n" +
	"Return ONLY a JSON array. No markdown, no explanation.\n\n" +
	"Test output:\n```\n{{output}}\n```\n"

const repoDiagnosisTemplate = `The test runner for this {{framework}} project failed with a configuration error:

**Test output**: {{test_output}}

**File listing**:
{{file_listing}}
{{#if config_files}}
**Config files**:
{{config_files}}
{{/if}}
{{#if source_files}}
**Source files**:
{{source_files}}
{{/if}}
Analyze the project and identify REAL bugs or misconfigurations in actual source or config files.
For each issue return:
- file_path: the actual file that needs to be fixed (must be a real file from the listing)
- test_name: a descriptive name for the issue
- line_number: approximate line number
- error_message: what is wrong and how to fix it
- bug_type: one of LINTING, SYNTAX, LOGIC, TYPE_ERROR, IMPORT, INDENTATION

Return ONLY a JSON array. No markdown, no explanation.
If the issue is purely a missing test script, return a single item pointing at the manifest (e.g. package.json).
`

const ciWorkflowTemplate = `Write a GitHub Actions workflow for this repository.

Language: {{language}}
Test framework: {{framework}}
Test command: {{test_command}}

**File listing**:
{{file_listing}}
{{#if config_files}}
**Config files**:
{{config_files}}
{{/if}}
Requirements:
- name the workflow "CI"
- trigger on push and pull_request for all branches
- a single job "test" on ubuntu-latest
- check out the code, set up the language toolchain, install dependencies, run the test command

Output ONLY the YAML file content. No markdown fences, no explanation.
`

const fixFailureTemplate = `A test failure was detected in a {{language}} project tested with {{framework}}.

File: {{file_path}}
Line: {{line_number}}
Category: {{bug_type}}
Test: {{test_name}}
Error:
{{error_message}}
{{#if git_commits}}
Recent commits:
{{git_commits}}
{{/if}}
Current content of {{file_path}}:
` + "```" + `
{{file_content}}
` + "```" + `

Return the COMPLETE corrected content of {{file_path}} with the minimal change that fixes the failure.
Output only the file content. No markdown fences, no explanation.
`

const runQueryTemplate = `Context:
{{context}}

Question: {{question}}
`
