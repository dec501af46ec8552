package pipeline

import (
	"fmt"
)

// pythonWebRecipe bootstraps a Python web application on a plain
// instance: system packages, a virtualenv, dependency install, and a
// systemd unit running the app on 0.0.0.0.
type pythonWebRecipe struct{}

func (r *pythonWebRecipe) Name() string { return "python_web" }

func (r *pythonWebRecipe) Applies(spec *DeploymentSpec) int {
	if spec.Runtime != "python" {
		return 0
	}
	switch spec.Framework {
	case "flask", "fastapi", "django":
		return 90
	}
	return 60
}

func (r *pythonWebRecipe) Plan(spec *DeploymentSpec, infra *InfraPlan, repo string) (*RecipePlan, error) {
	startCommand := fmt.Sprintf("gunicorn --bind 0.0.0.0:%d app:app", spec.Port)
	switch spec.Framework {
	case "fastapi":
		startCommand = fmt.Sprintf("uvicorn main:app --host 0.0.0.0 --port %d", spec.Port)
	case "django":
		startCommand = fmt.Sprintf("gunicorn --bind 0.0.0.0:%d config.wsgi", spec.Port)
	}

	return &RecipePlan{
		Name:   r.Name(),
		Target: infra.Target,
		Vars: map[string]any{
			"app_port":    spec.Port,
			"repo_url":    repo,
			"runtime":     spec.Runtime,
			"health_path": spec.HealthPath,
		},
		UserData: bootstrapScript(repo, []string{
			"apt-get update -y",
			"apt-get install -y python3 python3-venv python3-pip git",
			"python3 -m venv /opt/app/venv",
			"/opt/app/venv/bin/pip install -r /opt/app/src/requirements.txt",
		}, "/opt/app/venv/bin/"+startCommand),
		SmokeChecks: []SmokeCheck{
			{Path: spec.HealthPath, Expect: 200},
		},
		Rationale: []string{fmt.Sprintf("python %s application on port %d", spec.Framework, spec.Port)},
	}, nil
}

// dockerizedRecipe deploys a containerized application. On a plain
// instance it installs docker, builds the repository's image, and runs
// it under systemd with the port published; on Fargate the terraform
// module owns the image build, so the plan carries container variables
// and no user data.
type dockerizedRecipe struct{}

func (r *dockerizedRecipe) Name() string { return "dockerized" }

func (r *dockerizedRecipe) Applies(spec *DeploymentSpec) int {
	if spec.Containerized {
		return 95
	}
	return 0
}

func (r *dockerizedRecipe) Plan(spec *DeploymentSpec, infra *InfraPlan, repo string) (*RecipePlan, error) {
	plan := &RecipePlan{
		Name:   r.Name(),
		Target: infra.Target,
		Vars: map[string]any{
			"app_port":       spec.Port,
			"container_port": spec.Port,
			"repo_url":       repo,
			"runtime":        spec.Runtime,
			"health_path":    spec.HealthPath,
		},
		SmokeChecks: []SmokeCheck{
			{Path: spec.HealthPath, Expect: 200},
		},
		Rationale: []string{fmt.Sprintf("containerized application on port %d", spec.Port)},
	}

	if infra.Target == "ecs_fargate" {
		plan.PreflightNotes = []string{"image is built and run by the fargate module"}
		return plan, nil
	}

	plan.UserData = bootstrapScript(repo, []string{
		"apt-get update -y",
		"apt-get install -y docker.io git",
		"systemctl enable --now docker",
		"docker build -t app /opt/app/src",
	}, fmt.Sprintf("/usr/bin/docker run --rm -p %d:%d --name app app", spec.Port, spec.Port))
	return plan, nil
}

// nodeWebRecipe bootstraps a Node.js application.
type nodeWebRecipe struct{}

func (r *nodeWebRecipe) Name() string { return "node_web" }

func (r *nodeWebRecipe) Applies(spec *DeploymentSpec) int {
	if spec.Runtime != "node" {
		return 0
	}
	return 90
}

func (r *nodeWebRecipe) Plan(spec *DeploymentSpec, infra *InfraPlan, repo string) (*RecipePlan, error) {
	return &RecipePlan{
		Name:   r.Name(),
		Target: infra.Target,
		Vars: map[string]any{
			"app_port":    spec.Port,
			"repo_url":    repo,
			"runtime":     spec.Runtime,
			"health_path": spec.HealthPath,
		},
		UserData: bootstrapScript(repo, []string{
			"curl -fsSL https://deb.nodesource.com/setup_20.x | bash -",
			"apt-get install -y nodejs git",
			"cd /opt/app/src && npm ci --omit=dev",
		}, fmt.Sprintf("env PORT=%d HOST=0.0.0.0 node /opt/app/src/index.js", spec.Port)),
		SmokeChecks: []SmokeCheck{
			{Path: spec.HealthPath, Expect: 200},
		},
		Rationale: []string{fmt.Sprintf("node application on port %d", spec.Port)},
	}, nil
}

// staticSiteRecipe publishes a static site; no process, no port.
type staticSiteRecipe struct{}

func (r *staticSiteRecipe) Name() string { return "static_site" }

func (r *staticSiteRecipe) Applies(spec *DeploymentSpec) int {
	if spec.Static {
		return 100
	}
	return 0
}

func (r *staticSiteRecipe) Plan(spec *DeploymentSpec, infra *InfraPlan, repo string) (*RecipePlan, error) {
	return &RecipePlan{
		Name:   r.Name(),
		Target: infra.Target,
		Vars: map[string]any{
			"repo_url": repo,
		},
		SmokeChecks: []SmokeCheck{
			{Path: "/", Expect: 200},
		},
		Rationale:      []string{"static assets served from object storage"},
		PreflightNotes: []string{"no server process; health is the CDN responding"},
	}, nil
}

// bootstrapScript renders the shared cloud-init skeleton: fetch the
// repository, run the install steps, then register and start a systemd
// unit so failures land in the journal.
func bootstrapScript(repo string, install []string, startCommand string) string {
	script := "#!/bin/bash\nset -euo pipefail\n\nmkdir -p /opt/app\n"
	script += fmt.Sprintf("git clone %s /opt/app/src\n", repo)
	for _, step := range install {
		script += step + "\n"
	}
	script += fmt.Sprintf(`
cat > /etc/systemd/system/app.service <<'UNIT'
[Unit]
Description=deployed application
After=network.target

[Service]
WorkingDirectory=/opt/app/src
ExecStart=%s
Restart=on-failure

[Install]
WantedBy=multi-user.target
UNIT
systemctl daemon-reload
systemctl enable --now app.service
`, startCommand)
	return script
}
