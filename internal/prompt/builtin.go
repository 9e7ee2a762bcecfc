package prompt

// builtinTemplates maps template filename to content. Every template renders
// the common variables request, session_id, workspace and attempt.
var builtinTemplates = map[string]string{
	"discovery.md":    discoveryTemplate,
	"analyst.md":      analystTemplate,
	"architect.md":    architectTemplate,
	"test-writer.md":  testWriterTemplate,
	"developer.md":    developerTemplate,
	"verification.md": verificationTemplate,
	"review.md":       reviewTemplate,
	"delivery.md":     deliveryTemplate,
}

const header = `Use the {{agent}} subagent for this task.

Project directory: {{workspace}}
Session: {{session_id}} (attempt {{attempt}})

## Request
{{request}}
`

const discoveryTemplate = header + `
## Task
Decide whether the request can be built as stated and write the project brief.
{{#if clarifications}}

## Earlier questions and answers
{{clarifications}}
{{/if}}
{{#if final_round}}

This is the final discovery round. Do not ask further questions: write the
brief and list your assumptions. End with ` + "`DISCOVERY: BRIEF`" + `.
{{/if}}
`

const analystTemplate = header + `
## Project brief
{{brief}}

## Task
Refine the brief into numbered requirements with acceptance criteria.
End with ` + "`ANALYSIS: COMPLETE`" + `.
`

const architectTemplate = header + `
## Requirements
{{brief}}

## Task
Design the project and write DESIGN.md in the project directory.
End with ` + "`DESIGN: COMPLETE`" + `.
`

const testWriterTemplate = header + `
## Requirements
{{brief}}

## Design
{{design}}

## Task
Write the tests for every acceptance criterion. Do not implement features.
End with ` + "`TESTS: WRITTEN`" + `.
`

const developerTemplate = header + `
## Requirements
{{brief}}

## Design
{{design}}

## Tests
{{tests}}
{{#if feedback}}

## Feedback to address first
{{feedback}}
{{/if}}
{{#if implementation}}

## Previous implementation notes
{{implementation}}
{{/if}}

## Task
Implement the project until the tests pass.
End with ` + "`IMPLEMENTATION: COMPLETE`" + `.
`

const verificationTemplate = header + `
## Requirements
{{brief}}

## Implementation notes
{{implementation}}

## Task
Build the project and run the full test suite without modifying sources.
End with exactly ` + "`VERIFICATION: PASS`" + ` or ` + "`VERIFICATION: FAIL | <reason>`" + `.
`

const reviewTemplate = header + `
## Requirements
{{brief}}

## Design
{{design}}

## Implementation notes
{{implementation}}

## Task
Review the implementation against the requirements and design.
End with exactly ` + "`REVIEW: APPROVED`" + ` or ` + "`REVIEW: CHANGES_REQUESTED | <feedback>`" + `.
`

const deliveryTemplate = header + `
## Requirements
{{brief}}

## Implementation notes
{{implementation}}

## Task
Prepare the project for hand-off and summarise it for the requester.
Include ` + "`LOCATION: {{workspace}}`" + ` and end with ` + "`DELIVERY: COMPLETE`" + `.
`
