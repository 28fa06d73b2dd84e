package config

// Sample returns a commented starter configuration, written by the init
// operation.
func Sample() string {
	return `# myjob configuration file
name: my-experiment

# Connection settings (credentials usually live in secret.yaml instead)
connection:
  host: cluster.example.com
  user: myuser
  # port: 22
  # key_file: ~/.ssh/id_ed25519

# Scheduler settings
slurm:
  partition: gpu
  # account: my-account
  # qos: high
  # constraint: a100
  # array: "0-9"
  # dependency: afterok:12345
  # extra_flags:
  #   - "--exclusive"

# Resource allocation
resources:
  nodes: 1
  cpus: 4
  gpus: 1
  gpu_type: a100
  memory: 32G
  time: "4:00:00"

# Code version (empty fields are detected from the local checkout)
git:
  # repo_url: git@github.com:user/repo.git
  # branch: main
  # commit: abc1234

# Execution: exactly one of command or script
execution:
  command: python train.py
  # script: run.sh
  # working_dir: sub/dir
  env:
    WANDB_PROJECT: my-project
  # setup: pip install -r requirements.txt
  # teardown: ./collect_results.sh

# Output settings
output:
  stdout: "stdout_%j.log"
  stderr: "stderr_%j.log"
  # fetch:
  #   - results/metrics.json
  # cleanup: false

tags:
  - experiment
`
}

// SampleSecret returns a starter secret file. Secret files are merged
// below the project config and are expected to stay out of version
// control.
func SampleSecret() string {
	return `# myjob secret file - keep out of version control
connection:
  host: cluster.example.com
  user: myuser
  key_file: ~/.ssh/id_ed25519

execution:
  env:
    WANDB_API_KEY: your-api-key-here
`
}
