package workflow

// BuiltinTemplates are starter definitions exposed over the API. They
// cover the common shapes: a linear chain, a fan-out/fan-in DAG, and a
// conditional gate in front of a queued task.
var BuiltinTemplates = []Definition{
	{
		ID:          "tpl_intake_enrich_decide_act",
		Name:        "intake_enrich_decide_act",
		Description: "Linear intake -> enrich -> decide -> act chain",
		Steps: []StepSpec{
			{Slug: "intake", Target: TargetSpec{Type: TargetHTTP, URL: "http://service/intake"}},
			{Slug: "enrich", Target: TargetSpec{Type: TargetHTTP, URL: "http://service/enrich"}, DependsOn: []string{"intake"}},
			{Slug: "decide", Target: TargetSpec{Type: TargetHTTP, URL: "http://service/decide"}, DependsOn: []string{"enrich"}},
			{Slug: "act", Target: TargetSpec{Type: TargetHTTP, URL: "http://service/act"}, DependsOn: []string{"decide"}},
		},
	},
	{
		ID:          "tpl_fanout_merge",
		Name:        "fanout_merge",
		Description: "Fetch, process two branches concurrently, merge",
		Steps: []StepSpec{
			{Slug: "fetch", Target: TargetSpec{Type: TargetHTTP, URL: "http://service/fetch"}},
			{Slug: "branch_a", Target: TargetSpec{Type: TargetHTTP, URL: "http://service/analyze"}, DependsOn: []string{"fetch"}},
			{Slug: "branch_b", Target: TargetSpec{Type: TargetQueue, Queue: "heavy-compute"}, DependsOn: []string{"fetch"}},
			{Slug: "merge", Target: TargetSpec{Type: TargetHTTP, URL: "http://service/merge"}, DependsOn: []string{"branch_a", "branch_b"}},
		},
	},
	{
		ID:          "tpl_gate_then_publish",
		Name:        "gate_then_publish",
		Description: "Review, gate on the review outcome, publish via worker queue",
		Steps: []StepSpec{
			{
				Slug:   "review",
				Target: TargetSpec{Type: TargetHTTP, URL: "http://service/review"},
				Output: []OutputMapping{{ContextPath: "approved", OutputPath: "$.approved"}},
			},
			{
				Slug:      "cooloff",
				Target:    TargetSpec{Type: TargetDelay, DelaySeconds: 60},
				DependsOn: []string{"review"},
			},
			{
				Slug:      "publish",
				Target:    TargetSpec{Type: TargetQueue, Queue: "publisher"},
				DependsOn: []string{"cooloff"},
				Condition: &Expr{Op: OpEq, Path: "approved", Value: true},
			},
		},
	},
}
