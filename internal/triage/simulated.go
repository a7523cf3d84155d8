package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// SimulatedAgent replays a scripted investigation of a stale-closure bug in
// a React dashboard. It stands in for a model-backed agent: the first
// attempt fails type checking, the second passes.
type SimulatedAgent struct{}

var _ Agent = SimulatedAgent{}

var (
	notActionableHints = []string{"question", "how do i", "feature request"}
	tooComplexHints    = []string{"rewrite", "migrate", "redesign", "re-architect"}
)

func (SimulatedAgent) Triage(_ context.Context, issue Issue) (api.TriageResult, error) {
	text := strings.ToLower(issue.Title + "\n" + issue.Body)
	for _, h := range notActionableHints {
		if strings.Contains(text, h) {
			return api.TriageResult{
				Classification: api.ClassificationNotActionable,
				Reasoning: "The issue asks a question rather than reporting a defect. There is no " +
					"reproduction path or failing behaviour to fix. Classifying as not actionable.",
			}, nil
		}
	}
	for _, h := range tooComplexHints {
		if strings.Contains(text, h) {
			return api.TriageResult{
				Classification: api.ClassificationTooComplex,
				Reasoning: "The request spans the architecture of several subsystems and needs " +
					"design decisions a maintainer should make. Classifying as too complex.",
			}, nil
		}
	}
	return api.TriageResult{
		Classification: api.ClassificationFixable,
		Reasoning: "This is a clearly described UI bug with a specific reproduction path and " +
			"console output pointing to a stale closure in a React useEffect. The affected " +
			"files are identified (Dashboard.tsx, useAuth.ts). Classifying as fixable.",
	}, nil
}

func (SimulatedAgent) Investigate(context.Context, Issue) (Investigation, error) {
	return Investigation{
		Initial: Reasoning{
			Think: 4 * time.Second,
			Text: "The issue describes a race condition where the dashboard displays stale user data " +
				"after switching accounts. The console output shows the useEffect closure captures " +
				"an old userId. I need to examine the Dashboard component and the useAuth hook to " +
				"understand the data flow. Let me start by reading the main component.",
		},
		Reads: []string{
			"src/components/Dashboard.tsx",
			"src/hooks/useAuth.ts",
			"src/lib/api/client.ts",
			"src/lib/api/stats.ts",
		},
		Analysis: Reasoning{
			Think: 3 * time.Second,
			Text: "I can see the problem now. In Dashboard.tsx the useEffect calls " +
				"fetchUserStats(userId) but the dependency array only includes [session]. " +
				"When the account switches, session updates first but the userId inside the " +
				"closure is stale from the previous render. There's also no AbortController " +
				"to cancel in-flight requests when the user changes. I need to check the " +
				"fetchUserStats function to see if it supports cancellation.",
		},
		Search: &Search{
			Query: "React useEffect stale closure race condition AbortController cleanup",
			Snippet: "When dealing with async operations in useEffect, always return a cleanup " +
				"function that aborts pending requests. Use an AbortController and pass its " +
				"signal to fetch(). Include all reactive values in the dependency array to " +
				"avoid stale closures. (react.dev/reference/react/useEffect)",
		},
		Plan: Reasoning{
			Think: 2 * time.Second,
			Text: "Based on the code and the React docs, the fix requires two changes: " +
				"First, add userId to the useEffect dependency array so the effect re-runs " +
				"when the user changes. Second, add an AbortController cleanup that cancels " +
				"stale requests when userId changes or the component unmounts. The " +
				"fetchUserStats function in stats.ts already accepts an optional signal " +
				"parameter, so I just need to wire it up. Let me apply the fix.",
		},
	}, nil
}

const typecheck = "npx tsc --noEmit"

func (SimulatedAgent) Attempt(_ context.Context, _ Issue, n int) (Attempt, error) {
	if n == 1 {
		return Attempt{
			Changes: []FileChange{{Path: "src/components/Dashboard.tsx", Diff: dashboardDiff}},
			Commands: []Command{{
				Command: typecheck,
				Output: "src/components/Dashboard.tsx(38,9): error TS2554: Expected 1 arguments, but got 2.\n" +
					"  fetchUserStats(userId, { signal: controller.signal })\n" +
					"                        ~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~\n" +
					"Found 1 error.",
				ExitCode: 1,
				Diagnosis: "TypeScript error: fetchUserStats() does not accept a second argument yet. " +
					"I need to update the function signature in stats.ts to accept an options " +
					"object with an AbortSignal.",
			}},
		}, nil
	}
	return Attempt{
		Changes: []FileChange{{Path: "src/lib/api/stats.ts", Diff: statsDiff}},
		Commands: []Command{
			{Command: typecheck, Output: "No errors found."},
			{Command: "pnpm test -- --reporter=verbose", Output: testOutput},
		},
	}, nil
}

func (SimulatedAgent) Recover(context.Context, Issue, Failure) (Reasoning, error) {
	return Reasoning{
		Think: 2 * time.Second,
		Text: "The typecheck failed because fetchUserStats only accepts a userId parameter. " +
			"I assumed it already supported a signal option but it doesn't. I need to update " +
			"the function in src/lib/api/stats.ts to accept an optional options object " +
			"containing the AbortSignal, and pass it through to the underlying fetch call.",
	}, nil
}

func (SimulatedAgent) Resolve(_ context.Context, issue Issue) (Resolution, error) {
	repo := issue.Repository.FullName
	if repo == "" {
		repo = "owner/repo"
	}
	return Resolution{
		Final: Reasoning{
			Think: 3 * time.Second,
			Text: "All type checks and tests pass. The fix addresses both root causes: the stale " +
				"closure (by adding userId to the dependency array instead of session) and the " +
				"race condition (by adding AbortController cleanup so in-flight requests are " +
				"cancelled when the user changes). The changes are minimal and backwards-compatible.",
		},
		PullRequest: PullRequest{
			Title:  "fix: resolve stale closure race condition in Dashboard",
			URL:    fmt.Sprintf("https://github.com/%s/pull/42", repo),
			Number: 42,
			Branch: fmt.Sprintf("gitfix/issue-%d", issue.Number),
		},
		CI: CIResult{Status: api.CIPassed, Checks: 3, Passed: 3},
		FixSummary: "Fixed the stale closure and race condition in the Dashboard component. " +
			"The useEffect now correctly depends on userId (not session) and uses an " +
			"AbortController to cancel in-flight requests when the user switches accounts. " +
			"Updated fetchUserStats in stats.ts to accept and forward an AbortSignal.",
		IssueComment: issueComment,
	}, nil
}

// Markdown and diffs below use ' for backticks.
var backticks = strings.NewReplacer("'", "`")

const dashboardDiff = `@@ -23,14 +23,22 @@ export function Dashboard() {
   const { userId, session } = useAuth();
   const [stats, setStats] = useState<UserStats | null>(null);
+  const [loading, setLoading] = useState(true);

   useEffect(() => {
-    fetchUserStats(userId).then((data) => {
-      setStats(data);
-    });
-  }, [session]);
+    const controller = new AbortController();
+    setLoading(true);
+
+    fetchUserStats(userId, { signal: controller.signal })
+      .then((data) => {
+        setStats(data);
+        setLoading(false);
+      })
+      .catch((err) => {
+        if (err.name !== "AbortError") throw err;
+      });
+
+    return () => controller.abort();
+  }, [userId]);`

var statsDiff = backticks.Replace(`@@ -5,8 +5,12 @@ import { apiClient } from "./client";

-export async function fetchUserStats(userId: string) {
-  const response = await apiClient.get('/api/users/${userId}/stats');
+interface FetchOptions {
+  signal?: AbortSignal;
+}
+
+export async function fetchUserStats(userId: string, options?: FetchOptions) {
+  const response = await apiClient.get('/api/users/${userId}/stats', {
+    signal: options?.signal,
+  });
   return response.data as UserStats;
 }`)

const testOutput = ` PASS  src/components/__tests__/Dashboard.test.tsx
  Dashboard
    ✓ renders current user stats (42ms)
    ✓ updates stats when user changes (118ms)
    ✓ aborts pending request on user switch (95ms)
    ✓ does not flash stale data during transition (87ms)

 PASS  src/lib/api/__tests__/stats.test.ts
  fetchUserStats
    ✓ fetches stats for given user (15ms)
    ✓ passes abort signal to fetch (12ms)
    ✓ rejects with AbortError when aborted (8ms)

Test Suites: 2 passed, 2 total
Tests:       7 passed, 7 total
Time:        1.847s`

var issueComment = backticks.Replace(`## Automated Fix Applied

**Root cause:** The 'useEffect' in 'Dashboard.tsx' had two problems:
1. **Stale closure**: the dependency array contained '[session]' instead of '[userId]', so the effect captured an outdated 'userId' from a previous render.
2. **Missing cleanup**: there was no 'AbortController' to cancel pending API calls when the user changed, causing stale data to overwrite fresh data when the old request resolved after the new one.

**Changes made:**

- **'src/components/Dashboard.tsx'**
  - Changed the useEffect dependency array from '[session]' to '[userId]'
  - Added 'AbortController' that cancels pending requests on cleanup
  - Added loading state to prevent stale data flash during transitions

- **'src/lib/api/stats.ts'**
  - Extended 'fetchUserStats()' to accept an optional '{ signal?: AbortSignal }' options object
  - Passes the signal through to the underlying API client

**Tests:** All 7 tests passing, including new tests for abort behavior and account switching.`)
